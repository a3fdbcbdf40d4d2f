// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gcsremote implements the remote node graph on top of a Cloud
// Storage bucket. Directories are prefixes ending in a slash, optionally
// backed by an empty placeholder object. Handles are object names; the root
// directory has the handle "/".
package gcsremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"github.com/nodemount/nodemount/internal/auth"
	"github.com/nodemount/nodemount/internal/logger"
	"github.com/nodemount/nodemount/internal/remote"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	RootHandle remote.Handle = "/"

	// Object metadata key holding the content fingerprint computed by the
	// uploader.
	FingerprintMetadataKey = "nodemount-fingerprint"
)

type ClientConfig struct {
	Bucket         string
	CustomEndpoint string

	// Service account key. Application default credentials when empty.
	KeyFile string

	MaxRetryDuration time.Duration
	RetryMultiplier  float64
}

type Client struct {
	bucket     *storage.BucketHandle
	bucketName string
}

var _ remote.Client = &Client{}

// NewClient creates a storage client with retries configured, and returns a
// remote client for the configured bucket.
func NewClient(ctx context.Context, cfg ClientConfig) (c *Client, err error) {
	var opts []option.ClientOption
	if cfg.CustomEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.CustomEndpoint), option.WithoutAuthentication())
	} else {
		creds, credsErr := auth.GetCredentials(cfg.KeyFile)
		if credsErr != nil {
			err = fmt.Errorf("getting credentials: %w", credsErr)
			return
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	}

	sc, err := storage.NewClient(ctx, opts...)
	if err != nil {
		err = fmt.Errorf("go storage client creation failed: %w", err)
		return
	}

	// RetryAlways makes mutations retried too; they are all safe to repeat
	// for this layout.
	sc.SetRetry(
		storage.WithBackoff(gax.Backoff{
			Max:        cfg.MaxRetryDuration,
			Multiplier: cfg.RetryMultiplier,
		}),
		storage.WithPolicy(storage.RetryAlways))

	c = New(sc, cfg.Bucket)
	return
}

// New wraps an existing storage client.
func New(sc *storage.Client, bucketName string) *Client {
	return &Client{
		bucket:     sc.Bucket(bucketName),
		bucketName: bucketName,
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func isDirHandle(h remote.Handle) bool {
	return strings.HasSuffix(string(h), "/")
}

// The listing prefix of a directory handle.
func prefixOf(h remote.Handle) string {
	if h == RootHandle {
		return ""
	}
	return string(h)
}

func childName(parent remote.Handle, name string, kind remote.Kind) string {
	n := prefixOf(parent) + name
	if kind == remote.Directory {
		n += "/"
	}
	return n
}

func baseName(h remote.Handle) string {
	return path.Base(strings.TrimSuffix(string(h), "/"))
}

func fingerprintOf(attrs *storage.ObjectAttrs) string {
	if fp, ok := attrs.Metadata[FingerprintMetadataKey]; ok && fp != "" {
		return fp
	}
	return strconv.FormatInt(attrs.Generation, 10)
}

func fileEntry(attrs *storage.ObjectAttrs) remote.Entry {
	return remote.Entry{
		Name:   baseName(remote.Handle(attrs.Name)),
		Handle: remote.Handle(attrs.Name),
		Kind:   remote.File,
		Metadata: remote.Metadata{
			Size:        uint64(attrs.Size),
			Modified:    attrs.Updated,
			Fingerprint: fingerprintOf(attrs),
		},
	}
}

func dirEntry(h remote.Handle, modified time.Time) remote.Entry {
	name := ""
	if h != RootHandle {
		name = baseName(h)
	}
	return remote.Entry{
		Name:     name,
		Handle:   h,
		Kind:     remote.Directory,
		Metadata: remote.Metadata{Modified: modified},
	}
}

// Map a storage error to the remote package's vocabulary.
func convertErr(op string, h remote.Handle, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s %q: %w", op, h, remote.ErrNotFound)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%s %q: %w", op, h, remote.ErrNotFound)
		case http.StatusPreconditionFailed, http.StatusConflict:
			return fmt.Errorf("%s %q: %w", op, h, remote.ErrExists)
		}
	}
	return fmt.Errorf("%s %q: %w", op, h, err)
}

func transferErr(op string, h remote.Handle, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		err = remote.ErrNotFound
	}
	return &remote.TransferError{
		Op:        op,
		Handle:    h,
		Retryable: storage.ShouldRetry(err),
		Err:       err,
	}
}

// Report whether any object lives under the prefix, excluding the
// placeholder itself.
func (c *Client) hasChildren(ctx context.Context, prefix string) (bool, error) {
	it := c.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if attrs.Name != prefix {
			return true, nil
		}
	}
}

func (c *Client) exists(ctx context.Context, name string) (bool, error) {
	_, err := c.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

////////////////////////////////////////////////////////////////////////
// remote.Lister
////////////////////////////////////////////////////////////////////////

func (c *Client) ListChildren(ctx context.Context, h remote.Handle) (entries []remote.Entry, err error) {
	if !isDirHandle(h) {
		err = fmt.Errorf("ListChildren %q: not a directory", h)
		return
	}

	prefix := prefixOf(h)
	query := &storage.Query{
		Delimiter: "/",
		Prefix:    prefix,
	}

	it := c.bucket.Objects(ctx, query)
	seen := make(map[string]bool)
	for {
		var attrs *storage.ObjectAttrs
		attrs, err = it.Next()
		if err == iterator.Done {
			err = nil
			break
		}
		if err != nil {
			err = convertErr("ListChildren", h, err)
			return
		}

		// Prefix is set for the collapsed runs of the listing.
		if attrs.Prefix != "" {
			e := dirEntry(remote.Handle(attrs.Prefix), time.Time{})
			if !seen[e.Name] {
				seen[e.Name] = true
				entries = append(entries, e)
			}
			continue
		}

		// The placeholder of the directory itself.
		if attrs.Name == prefix {
			continue
		}

		e := fileEntry(attrs)
		if seen[e.Name] {
			logger.Warnf("gcsremote: %q shadowed by a directory of the same name", attrs.Name)
			continue
		}
		seen[e.Name] = true
		entries = append(entries, e)
	}

	return
}

////////////////////////////////////////////////////////////////////////
// remote.Transfer
////////////////////////////////////////////////////////////////////////

func (c *Client) Download(ctx context.Context, h remote.Handle, br remote.ByteRange) (b []byte, err error) {
	if br.Len() == 0 {
		b = []byte{}
		return
	}

	r, err := c.bucket.Object(string(h)).NewRangeReader(ctx, int64(br.Start), int64(br.Len()))
	if err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusRequestedRangeNotSatisfiable {
			b, err = []byte{}, nil
			return
		}
		err = transferErr("download", h, err)
		return
	}
	defer r.Close()

	b, err = io.ReadAll(r)
	if err != nil {
		err = transferErr("download", h, err)
		b = nil
	}

	return
}

func (c *Client) Upload(ctx context.Context, req remote.UploadRequest) (e remote.Entry, err error) {
	name := string(req.Handle)
	if req.Parent != "" && req.Name != "" {
		name = childName(req.Parent, req.Name, remote.File)
	}
	if name == "" || isDirHandle(remote.Handle(name)) {
		err = &remote.TransferError{Op: "upload", Handle: req.Handle, Err: fmt.Errorf("no object name for upload")}
		return
	}

	// Cancelling the writer's context aborts the upload.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := c.bucket.Object(name).NewWriter(wctx)
	w.Metadata = map[string]string{FingerprintMetadataKey: req.Fingerprint}

	if _, err = io.Copy(w, req.Content); err != nil {
		cancel()
		err = transferErr("upload", req.Handle, err)
		return
	}
	if err = w.Close(); err != nil {
		err = transferErr("upload", req.Handle, err)
		return
	}

	// Uploading under a new name replaces the old node.
	if req.Handle != "" && string(req.Handle) != name {
		if dErr := c.bucket.Object(string(req.Handle)).Delete(ctx); dErr != nil && !errors.Is(dErr, storage.ErrObjectNotExist) {
			logger.Warnf("gcsremote: deleting superseded %q: %v", req.Handle, dErr)
		}
	}

	e = fileEntry(w.Attrs())
	return
}

////////////////////////////////////////////////////////////////////////
// remote.Graph
////////////////////////////////////////////////////////////////////////

func (c *Client) Stat(ctx context.Context, h remote.Handle) (e remote.Entry, err error) {
	if h == RootHandle {
		e = dirEntry(h, time.Time{})
		return
	}

	attrs, err := c.bucket.Object(string(h)).Attrs(ctx)
	if err == nil {
		if isDirHandle(h) {
			e = dirEntry(h, attrs.Updated)
		} else {
			e = fileEntry(attrs)
		}
		return
	}

	// A directory may exist only implicitly, through its descendants.
	if errors.Is(err, storage.ErrObjectNotExist) && isDirHandle(h) {
		var found bool
		found, err = c.hasChildren(ctx, prefixOf(h))
		if err == nil && found {
			e = dirEntry(h, time.Time{})
			return
		}
		if err == nil {
			err = storage.ErrObjectNotExist
		}
	}

	err = convertErr("Stat", h, err)
	return
}

func (c *Client) MakeDirectory(ctx context.Context, parent remote.Handle, name string) (e remote.Entry, err error) {
	dirName := childName(parent, name, remote.Directory)
	fileName := childName(parent, name, remote.File)

	for _, n := range []string{dirName, fileName} {
		var found bool
		if found, err = c.exists(ctx, n); err != nil {
			err = convertErr("MakeDirectory", parent, err)
			return
		}
		if found {
			err = fmt.Errorf("MakeDirectory %q: %w", n, remote.ErrExists)
			return
		}
	}

	w := c.bucket.Object(dirName).NewWriter(ctx)
	if err = w.Close(); err != nil {
		err = convertErr("MakeDirectory", parent, err)
		return
	}

	e = dirEntry(remote.Handle(dirName), w.Attrs().Updated)
	return
}

func (c *Client) Remove(ctx context.Context, h remote.Handle) (err error) {
	if h == RootHandle {
		return fmt.Errorf("Remove %q: root cannot be removed", h)
	}

	if isDirHandle(h) {
		var found bool
		if found, err = c.hasChildren(ctx, prefixOf(h)); err != nil {
			return convertErr("Remove", h, err)
		}
		if found {
			return fmt.Errorf("Remove %q: %w", h, remote.ErrNotEmpty)
		}
	}

	if err = c.bucket.Object(string(h)).Delete(ctx); err != nil {
		return convertErr("Remove", h, err)
	}

	return nil
}

// Move copies every object at or below h to its new name and deletes the
// originals. The returned entry carries the new handle.
func (c *Client) Move(ctx context.Context, h remote.Handle, newParent remote.Handle, newName string) (e remote.Entry, err error) {
	if h == RootHandle {
		err = fmt.Errorf("Move %q: root cannot be moved", h)
		return
	}

	kind := remote.File
	if isDirHandle(h) {
		kind = remote.Directory
	}
	dst := childName(newParent, newName, kind)

	var found bool
	if found, err = c.exists(ctx, dst); err != nil {
		err = convertErr("Move", h, err)
		return
	}
	if found {
		err = fmt.Errorf("Move %q: %w", dst, remote.ErrExists)
		return
	}

	var names []string
	if kind == remote.File {
		names = []string{string(h)}
	} else {
		it := c.bucket.Objects(ctx, &storage.Query{Prefix: string(h)})
		for {
			attrs, iErr := it.Next()
			if iErr == iterator.Done {
				break
			}
			if iErr != nil {
				err = convertErr("Move", h, iErr)
				return
			}
			names = append(names, attrs.Name)
		}
	}

	for _, src := range names {
		target := dst + strings.TrimPrefix(src, string(h))
		if kind == remote.File {
			target = dst
		}
		copier := c.bucket.Object(target).CopierFrom(c.bucket.Object(src))
		if _, err = copier.Run(ctx); err != nil {
			err = convertErr("Move", h, err)
			return
		}
		if err = c.bucket.Object(src).Delete(ctx); err != nil {
			err = convertErr("Move", h, err)
			return
		}
	}

	// An implicit directory has nothing to copy; give it a placeholder so
	// that it survives the move.
	if kind == remote.Directory && len(names) == 0 {
		w := c.bucket.Object(dst).NewWriter(ctx)
		if err = w.Close(); err != nil {
			err = convertErr("Move", h, err)
			return
		}
	}

	e, err = c.Stat(ctx, remote.Handle(dst))
	return
}
