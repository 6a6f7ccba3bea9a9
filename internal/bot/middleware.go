package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"shamebot/internal/domain"
	logx "shamebot/pkg/logx"
	"shamebot/pkg/tgui"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", d),
			}
			switch {
			case err == nil && d >= 750*time.Millisecond:
				logger.Info("request ok", fields...)
			case err == nil:
				logger.Debug("request ok", fields...)
			case userError(err):
				logger.Debug("request rejected", append(fields, logx.Err(err))...)
			default:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			}
			return err
		}
	}
}

// MWReplyError answers the user with a short sentence for the error kind.
// It sits outside the panic and log middleware so those still see the error.
func MWReplyError(usage string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil {
				_ = req.Reply(context.WithoutCancel(ctx), errorText(err, usage))
			}
			return err
		}
	}
}

func userError(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindNotFound, domain.KindConflict, domain.KindGateNotSatisfied, domain.KindForbidden, domain.KindInvalid:
		return true
	default:
		return false
	}
}

func errorText(err error, usage string) string {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return "i couldn't find that. check the id with /tasks."
	case domain.KindConflict:
		return "that's already been settled."
	case domain.KindGateNotSatisfied:
		return "not so fast. your partner has to approve your /proof first."
	case domain.KindForbidden:
		return "that's not yours to touch."
	case domain.KindInvalid:
		if usage == "" {
			return "that doesn't look right. try /help."
		}
		return "that doesn't look right. usage: " + tgui.Code(usage)
	default:
		return "something went wrong on my side. try again in a bit."
	}
}
