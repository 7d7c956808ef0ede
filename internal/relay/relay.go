package relay

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"chatcache-gateway/internal/cache"
	"chatcache-gateway/internal/llm"
	"chatcache-gateway/internal/metrics"
)

// ReplayCached streams text one word per chunk, then a terminal chunk.
// Every word but the last keeps one trailing space. All chunks are marked cached.
// If ctx ends early the channel is closed without a terminal chunk.
func ReplayCached(ctx context.Context, text, requestID string) <-chan StreamChunk {
	out := make(chan StreamChunk)

	go func() {
		defer close(out)

		words := strings.Fields(text)
		for i, word := range words {
			if i < len(words)-1 {
				word += " "
			}
			chunk := StreamChunk{
				Content:   ptr(word),
				RequestID: optional(requestID),
				Cached:    ptr(true),
			}
			if !send(ctx, out, chunk) {
				return
			}
			metrics.StreamChunksTotal.WithLabelValues("cached").Inc()
		}

		send(ctx, out, StreamChunk{
			Done:      true,
			RequestID: optional(requestID),
			Cached:    ptr(true),
		})
	}()

	return out
}

// Options configures a live relay.
type Options struct {
	Cache     *cache.ResponseCache
	Key       string // fingerprint of the request transcript
	UseCache  bool
	RequestID string
	Logger    *zap.Logger
}

// Relay forwards backend increments as uncached chunks while accumulating
// them. When the backend reports done the accumulated text is stored under
// opts.Key (if opts.UseCache) and one terminal chunk follows. A backend error,
// or an upstream that closes before done, yields one terminal chunk carrying
// the error and nothing is cached.
func Relay(ctx context.Context, upstream <-chan llm.StreamResult, opts Options) <-chan StreamChunk {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("relay")

	out := make(chan StreamChunk)

	go func() {
		defer close(out)

		var acc strings.Builder
		fail := func(err error) {
			logger.Error("stream relay failed",
				zap.String("hash_key", opts.Key),
				zap.Int("relayed_bytes", acc.Len()),
				zap.Error(err),
			)
			send(ctx, out, StreamChunk{
				Done:      true,
				RequestID: optional(opts.RequestID),
				Error:     ptr(err.Error()),
			})
		}

		for {
			var (
				res llm.StreamResult
				ok  bool
			)
			select {
			case <-ctx.Done():
				logger.Info("client went away, stream not cached",
					zap.String("hash_key", opts.Key),
					zap.Error(ctx.Err()),
				)
				return
			case res, ok = <-upstream:
			}

			if !ok {
				fail(llm.ErrIncompleteStream)
				return
			}
			if res.Err != nil {
				fail(res.Err)
				return
			}

			if res.Chunk.Content != "" {
				acc.WriteString(res.Chunk.Content)
				chunk := StreamChunk{
					Content:   ptr(res.Chunk.Content),
					RequestID: optional(opts.RequestID),
					Cached:    ptr(false),
				}
				if !send(ctx, out, chunk) {
					return
				}
				metrics.StreamChunksTotal.WithLabelValues("live").Inc()
			}

			if res.Chunk.Done {
				if opts.UseCache && opts.Cache != nil {
					opts.Cache.Set(context.WithoutCancel(ctx), opts.Key, acc.String())
					logger.Info("cached streaming response",
						zap.String("hash_key", opts.Key),
						zap.Int("content_bytes", acc.Len()),
					)
				}
				send(ctx, out, StreamChunk{
					Done:      true,
					RequestID: optional(opts.RequestID),
					Cached:    ptr(false),
				})
				return
			}
		}
	}()

	return out
}

func send(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- chunk:
		return true
	}
}
