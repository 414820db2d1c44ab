package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"hastypaste/pkg/domain"

	pkgerrors "github.com/pkg/errors"
)

const (
	tempPrefix = ".tmp-"
	listBatch  = 256
)

// Disk stores each paste as root/<id[:2]>/<id[2:]> holding one JSON meta
// line followed by the raw bytes. Writes land in a temp file in the same
// directory and are renamed into place, so an aborted write leaves no record.
type Disk struct {
	root string
}

func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, domain.NewOpError("create paste root", domain.ErrConfig, err)
	}
	return &Disk{root: root}, nil
}

func (d *Disk) path(id string) (dir, file string, err error) {
	if err := domain.ValidateID(id); err != nil {
		return "", "", err
	}
	dir = filepath.Join(d.root, id[:2])
	return dir, filepath.Join(dir, id[2:]), nil
}

func (d *Disk) WritePaste(ctx context.Context, id string, meta *domain.PasteMeta, content io.Reader) error {
	dir, file, err := d.path(id)
	if err != nil {
		return err
	}
	header, err := domain.EncodeMeta(meta)
	if err != nil {
		return pkgerrors.Wrap(err, "encode meta")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return storageErr("disk", "mkdir", id, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return storageErr("disk", "create", id, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	_, err = w.Write(append(header, '\n'))
	if err == nil {
		_, err = copyWithContext(ctx, w, content)
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if passThrough(err) {
			return pkgerrors.Wrapf(err, "write paste %s", id)
		}
		return storageErr("disk", "write", id, err)
	}
	if err := os.Rename(tmpName, file); err != nil {
		return storageErr("disk", "rename", id, err)
	}
	committed = true
	return nil
}

// open positions a reader just past the meta header.
func (d *Disk) open(ctx context.Context, id string) (*os.File, *bufio.Reader, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	_, file, err := d.path(id)
	if err != nil {
		return nil, nil, nil, err
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, nil, err
	}
	br := bufio.NewReader(f)
	line, err := br.ReadBytes('\n')
	if errors.Is(err, io.EOF) {
		f.Close()
		return nil, nil, nil, domain.NewOpError("read header "+id, domain.ErrMetaUnprocessable,
			fmt.Errorf("no header terminator in %d bytes", len(line)))
	}
	if err != nil {
		f.Close()
		return nil, nil, nil, storageErr("disk", "read", id, err)
	}
	return f, br, line[:len(line)-1], nil
}
func (d *Disk) readErr(id string, err error) error {
	var opErr *domain.OpError
	if passThrough(err) || errors.As(err, &opErr) {
		return err
	}
	return storageErr("disk", "open", id, err)
}

func (d *Disk) ReadMeta(ctx context.Context, id string) (*domain.PasteMeta, bool, error) {
	f, _, header, err := d.open(ctx, id)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, d.readErr(id, err)
	}
	defer f.Close()
	m, err := domain.DecodeMeta(header)
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "paste %s", id)
	}
	return m, true, nil
}
func (d *Disk) ReadRaw(ctx context.Context, id string) ([]byte, bool, error) {
	f, br, _, err := d.open(ctx, id)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, d.readErr(id, err)
	}
	defer f.Close()
	raw, err := io.ReadAll(br)
	if err != nil {
		return nil, false, storageErr("disk", "read", id, err)
	}
	return raw, true, nil
}

func (d *Disk) IDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		shards, err := os.ReadDir(d.root)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield("", storageErr("disk", "list", "", err))
			return
		}
		for _, shard := range shards {
			name := shard.Name()
			if !shard.IsDir() || len(name) != 2 || strings.HasPrefix(name, ".") {
				continue
			}
			if !d.walkShard(ctx, name, yield) {
				return
			}
		}
	}
}

// walkShard yields the ids in one shard directory, reading it in batches.
// It returns false once the caller stops or an error was yielded.
func (d *Disk) walkShard(ctx context.Context, shard string, yield func(string, error) bool) bool {
	f, err := os.Open(filepath.Join(d.root, shard))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true
		}
		yield("", storageErr("disk", "list", shard, err))
		return false
	}
	defer f.Close()
	for {
		if err := ctx.Err(); err != nil {
			yield("", err)
			return false
		}
		entries, err := f.ReadDir(listBatch)
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") {
				continue
			}
			if !yield(shard+name, nil) {
				return false
			}
		}
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			yield("", storageErr("disk", "list", shard, err))
			return false
		}
	}
}

func (d *Disk) DeletePaste(ctx context.Context, id string) error {
	_, file, err := d.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("disk", "delete", id, err)
	}
	return nil
}

func (d *Disk) Ping(ctx context.Context) error {
	fi, err := os.Stat(d.root)
	if err != nil {
		return storageErr("disk", "ping", "", err)
	}
	if !fi.IsDir() {
		return storageErr("disk", "ping", "", fmt.Errorf("%s is not a directory", d.root))
	}
	return nil
}
func (d *Disk) Close() error { return nil }
