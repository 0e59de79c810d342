package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/nasieku/sigil/internal/config"
)

type fakeS3 struct {
	input   *s3.PutObjectInput
	err     error
	exists  bool
	headErr error
	headKey string
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.headKey = *params.Key
	if f.headErr != nil {
		return nil, f.headErr
	}
	if f.exists {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &types.NotFound{}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

type fakeDocs struct {
	pdf   []byte
	err   error
	calls int
}

func (f *fakeDocs) DownloadCombinedDocuments(_ context.Context, _ string) ([]byte, error) {
	f.calls++
	return f.pdf, f.err
}

func newTestArchiver(s3c *fakeS3, docs *fakeDocs, prefix string) *S3Archiver {
	return &S3Archiver{
		client: s3c,
		docs:   docs,
		bucket: "deal-archive",
		prefix: prefix,
		logger: zap.NewNop(),
	}
}

func TestArchiveEnvelope(t *testing.T) {
	s3c := &fakeS3{}
	docs := &fakeDocs{pdf: []byte("%PDF-1.7 combined")}
	a := newTestArchiver(s3c, docs, "")

	if err := a.ArchiveEnvelope(context.Background(), "deal-42", "env-1"); err != nil {
		t.Fatalf("ArchiveEnvelope() error = %v", err)
	}

	in := s3c.input
	if in == nil {
		t.Fatal("PutObject was not called")
	}
	if *in.Bucket != "deal-archive" {
		t.Errorf("bucket = %q", *in.Bucket)
	}
	if *in.Key != "envelopes/deal-42/env-1.pdf" {
		t.Errorf("key = %q", *in.Key)
	}
	if *in.ContentType != "application/pdf" {
		t.Errorf("content type = %q", *in.ContentType)
	}
	body, _ := io.ReadAll(in.Body)
	if string(body) != "%PDF-1.7 combined" {
		t.Errorf("body = %q", body)
	}
	if in.Metadata["deal-id"] != "deal-42" || in.Metadata["envelope-id"] != "env-1" {
		t.Errorf("metadata = %v", in.Metadata)
	}
}

func TestArchiveEnvelope_existingObjectSkipsRearchive(t *testing.T) {
	s3c := &fakeS3{exists: true}
	docs := &fakeDocs{pdf: []byte("x")}
	a := newTestArchiver(s3c, docs, "")

	if err := a.ArchiveEnvelope(context.Background(), "deal-42", "env-1"); err != nil {
		t.Fatalf("ArchiveEnvelope() error = %v", err)
	}
	if s3c.headKey != "envelopes/deal-42/env-1.pdf" {
		t.Errorf("head key = %q", s3c.headKey)
	}
	if docs.calls != 0 {
		t.Error("document download should be skipped when the object exists")
	}
	if s3c.input != nil {
		t.Error("PutObject should be skipped when the object exists")
	}
}

func TestArchiveEnvelope_headFailureStillArchives(t *testing.T) {
	s3c := &fakeS3{headErr: errors.New("head access denied")}
	a := newTestArchiver(s3c, &fakeDocs{pdf: []byte("x")}, "")

	if err := a.ArchiveEnvelope(context.Background(), "deal-42", "env-1"); err != nil {
		t.Fatalf("ArchiveEnvelope() error = %v", err)
	}
	if s3c.input == nil {
		t.Fatal("PutObject should run when the existence check is inconclusive")
	}
}

func TestArchiveEnvelope_prefix(t *testing.T) {
	s3c := &fakeS3{}
	a := newTestArchiver(s3c, &fakeDocs{pdf: []byte("x")}, "prod")

	if err := a.ArchiveEnvelope(context.Background(), "deal-42", "env-1"); err != nil {
		t.Fatalf("ArchiveEnvelope() error = %v", err)
	}
	if *s3c.input.Key != "prod/envelopes/deal-42/env-1.pdf" {
		t.Errorf("key = %q", *s3c.input.Key)
	}
}

func TestArchiveEnvelope_downloadFailure(t *testing.T) {
	s3c := &fakeS3{}
	docs := &fakeDocs{err: errors.New("provider unavailable")}
	a := newTestArchiver(s3c, docs, "")

	if err := a.ArchiveEnvelope(context.Background(), "deal-42", "env-1"); err == nil {
		t.Fatal("download failure should surface")
	}
	if s3c.input != nil {
		t.Error("PutObject was called without a document")
	}
}

func TestArchiveEnvelope_putFailure(t *testing.T) {
	s3c := &fakeS3{err: errors.New("access denied")}
	a := newTestArchiver(s3c, &fakeDocs{pdf: []byte("x")}, "")

	err := a.ArchiveEnvelope(context.Background(), "deal-42", "env-1")
	if err == nil {
		t.Fatal("put failure should surface")
	}
}

func TestNewS3Archiver_requiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), config.ArchiveConfig{}, &fakeDocs{}, zap.NewNop())
	if err == nil {
		t.Fatal("empty bucket should be rejected")
	}
}
