package voicevox

import (
	"context"
	"sync"
	"time"

	"voicevox-core-go/voicevox/ffi_wrapper"

	"github.com/rs/zerolog/log"
)

type outcome struct {
	err  error
	code ffi_wrapper.ResultCode
}

// invoke runs one asynchronous native call and waits for its outcome.
//
// It returns nil only for ResultOk. A dispatch error is returned as is and
// wins over the code. If ctx ends first, ctx.Err() is returned and the call
// is left running; should it later succeed, orphan releases whatever native
// buffers it produced.
func (v *Voicevox) invoke(ctx context.Context, op string, dispatch func(ffi_wrapper.Callback), orphan func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := make(chan outcome, 1)
	var once sync.Once
	start := time.Now()

	v.inflight.Add(1)
	dispatch(func(err error, code ffi_wrapper.ResultCode) {
		fired := false
		once.Do(func() {
			fired = true
			ch <- outcome{err: err, code: code}
		})
		if !fired {
			log.Warn().Str("op", op).Int32("code", int32(code)).Err(err).Msg("duplicate completion ignored")
		}
	})

	select {
	case o := <-ch:
		v.inflight.Done()
		log.Trace().Str("op", op).Dur("took", time.Since(start)).Stringer("code", o.code).Err(o.err).Msg("native call completed")
		return o.result()
	case <-ctx.Done():
		log.Debug().Str("op", op).Err(ctx.Err()).Msg("caller gave up, native call keeps running")
		go func() {
			defer v.inflight.Done()
			o := <-ch
			if o.result() != nil {
				return
			}
			log.Warn().Str("op", op).Dur("took", time.Since(start)).Msg("releasing result of an abandoned call")
			if orphan != nil {
				orphan()
			}
		}()
		return ctx.Err()
	}
}

func (o outcome) result() error {
	if o.err != nil {
		return o.err
	}
	if o.code != ffi_wrapper.ResultOk {
		return newResultError(o.code)
	}
	return nil
}
