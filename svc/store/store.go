// Package store holds the durable paste backends. A backend owns the
// canonical copy of every paste; caches in front of it may be lost at any
// time.
package store

import (
	"context"
	"errors"
	"io"
	"iter"

	"hastypaste/metrics"
	"hastypaste/pkg/domain"
)

// Store is implemented by every durable backend. Read methods report a
// missing paste with ok == false and a nil error.
type Store interface {
	WritePaste(ctx context.Context, id string, meta *domain.PasteMeta, content io.Reader) error
	ReadMeta(ctx context.Context, id string) (meta *domain.PasteMeta, ok bool, err error)
	ReadRaw(ctx context.Context, id string) (raw []byte, ok bool, err error)
	// IDs lazily walks every stored id. Each call starts a fresh walk.
	IDs(ctx context.Context) iter.Seq2[string, error]
	DeletePaste(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

func storageErr(backend, op, id string, err error) error {
	metrics.StoreErrors.WithLabelValues(backend, op).Inc()
	return domain.NewOpError(backend+" "+op+" "+id, domain.ErrStorage, err)
}

// passThrough reports errors that describe the request rather than the
// backend: cancellation, oversize content, bad ids.
func passThrough(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrPasteTooLarge) ||
		errors.Is(err, domain.ErrInvalidPasteID)
}

// copyWithContext copies until EOF, checking ctx between chunks so a stalled
// or abandoned upload stops early.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
