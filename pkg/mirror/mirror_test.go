package mirror

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autosave/pkg/config"
	errs "autosave/pkg/errors"
	"autosave/pkg/logger"
	"autosave/pkg/recovery"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 records PutObject calls and fails the first failures of them
type fakeS3 struct {
	mu       sync.Mutex
	failures int
	failWith error
	calls    int
	keys     []string
	bodies   [][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failWith
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func newCoordinator() (*recovery.Coordinator, *[]time.Duration) {
	c := recovery.New(config.DefaultConfig().Recovery, logger.NewNopLogger())
	var slept []time.Duration
	c.SetSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})
	return c, &slept
}

func artifact(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "story_20260101_120000.wav")
	require.NoError(t, os.WriteFile(p, []byte("RIFF-data"), 0644))
	return p
}

func TestS3UploaderKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "a.wav"},
		{"runs", "runs/a.wav"},
		{"/runs/2026/", "runs/2026/a.wav"},
	}
	for _, tt := range tests {
		u := NewS3UploaderWithClient(&fakeS3{}, config.MirrorConfig{Bucket: "b", Prefix: tt.prefix}, logger.NewNopLogger())
		if got := u.Key("/tmp/x/a.wav"); got != tt.want {
			t.Errorf("Key with prefix %q = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestS3UploaderUpload(t *testing.T) {
	client := &fakeS3{}
	u := NewS3UploaderWithClient(client, config.MirrorConfig{Bucket: "audio", Prefix: "runs"}, logger.NewNopLogger())
	p := artifact(t)

	uri, err := u.Upload(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "s3://audio/runs/story_20260101_120000.wav", uri)
	require.Len(t, client.bodies, 1)
	assert.Equal(t, "RIFF-data", string(client.bodies[0]))
}

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}, errs.KindPermission},
		{"missing bucket", &smithy.GenericAPIError{Code: "NoSuchBucket", Fault: smithy.FaultClient}, errs.KindValidation},
		{"server fault", &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}, errs.KindTransientNet},
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown", Fault: smithy.FaultServer}, errs.KindTransientNet},
		{"connection reset", errors.New("read tcp: connection reset by peer"), errs.KindTransientNet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyAPIError(tt.err))
		})
	}
}

func TestMirrorRetriesTransientFailures(t *testing.T) {
	client := &fakeS3{failures: 2, failWith: &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}}
	u := NewS3UploaderWithClient(client, config.MirrorConfig{Bucket: "audio"}, logger.NewNopLogger())
	coord, slept := newCoordinator()
	m := New(u, coord, 3, logger.NewNopLogger())

	uri, trace, err := m.Push(context.Background(), artifact(t))
	require.NoError(t, err)
	assert.Equal(t, "s3://audio/story_20260101_120000.wav", uri)
	assert.Len(t, trace, 3)
	assert.Equal(t, 3, client.calls)
	// network backoff is jittered around 1s, 2s, 4s
	require.Len(t, *slept, 3)
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		assert.InDelta(t, float64(want), float64((*slept)[i]), float64(want)*0.21)
	}
}

func TestMirrorStopsOnAccessDenied(t *testing.T) {
	client := &fakeS3{failures: 10, failWith: &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}}
	u := NewS3UploaderWithClient(client, config.MirrorConfig{Bucket: "audio"}, logger.NewNopLogger())
	coord, _ := newCoordinator()
	m := New(u, coord, 3, logger.NewNopLogger())

	_, trace, err := m.Push(context.Background(), artifact(t))
	require.Error(t, err)
	assert.Equal(t, errs.KindPermission, errs.Classify(err))
	assert.Len(t, trace, 1)
	assert.Equal(t, 1, client.calls)
}

func TestMirrorNotConfigured(t *testing.T) {
	var m *Mirror
	_, _, err := m.Push(context.Background(), "x.wav")
	assert.Error(t, err)
}
