package readers

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/maximhq/bifrost/plugins/refsender"
)

// stubReader is a live reader that yields nothing
type stubReader struct {
	name   string
	closed bool
}

func (r *stubReader) Name() string { return r.name }

func (r *stubReader) ReadLive(ctx context.Context, asOf time.Time) iter.Seq2[refsender.Record, error] {
	return func(yield func(refsender.Record, error) bool) {}
}

func (r *stubReader) Close() error {
	r.closed = true
	return nil
}

func TestRegisterAndCreate(t *testing.T) {
	var gotName string
	var gotConfig map[string]any
	Register("test-reader-register", func(ctx context.Context, name string, config map[string]any) (refsender.LiveReader, error) {
		gotName = name
		gotConfig = config
		return &stubReader{name: name}, nil
	})

	reader, err := Create(context.Background(), refsender.ReaderConfig{Type: "test-reader-register"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if reader.Name() != "test-reader-register" {
		t.Errorf("Name() = %s, want the type as default name", reader.Name())
	}
	if gotName != "test-reader-register" {
		t.Errorf("factory name = %s, want test-reader-register", gotName)
	}
	if gotConfig == nil {
		t.Error("factory should receive an empty config, not nil")
	}

	named, err := Create(context.Background(), refsender.ReaderConfig{Type: "test-reader-register", Name: "assets"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if named.Name() != "assets" {
		t.Errorf("Name() = %s, want assets", named.Name())
	}
}

func TestCreate_UnknownType(t *testing.T) {
	_, err := Create(context.Background(), refsender.ReaderConfig{Type: "unknown-reader-xyz"})
	if err == nil {
		t.Error("Create() should return error for unknown reader type")
	}
}

func TestCreateAll_ClosesOnFailure(t *testing.T) {
	created := &stubReader{name: "first"}
	Register("test-reader-ok", func(ctx context.Context, name string, config map[string]any) (refsender.LiveReader, error) {
		return created, nil
	})
	Register("test-reader-fail", func(ctx context.Context, name string, config map[string]any) (refsender.LiveReader, error) {
		return nil, errors.New("boom")
	})

	_, err := CreateAll(context.Background(), []refsender.ReaderConfig{
		{Type: "test-reader-ok"},
		{Type: "test-reader-fail"},
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("CreateAll() error = %v, want the factory error", err)
	}
	if !created.closed {
		t.Error("readers created before the failure should be closed")
	}
}

func TestAvailable_IncludesKafka(t *testing.T) {
	if !strings.Contains(strings.Join(Available(), ","), "kafka") {
		t.Errorf("Available() = %v, want kafka", Available())
	}
}

func TestDurationValue(t *testing.T) {
	config := map[string]any{
		"string": "250ms",
		"millis": float64(40),
		"int":    15,
		"bad":    "soon",
	}

	tests := []struct {
		key     string
		want    time.Duration
		wantOK  bool
		wantErr bool
	}{
		{"string", 250 * time.Millisecond, true, false},
		{"millis", 40 * time.Millisecond, true, false},
		{"int", 15 * time.Millisecond, true, false},
		{"bad", 0, false, true},
		{"missing", 0, false, false},
	}
	for _, tt := range tests {
		got, ok, err := durationValue(config, tt.key)
		if got != tt.want || ok != tt.wantOK || (err != nil) != tt.wantErr {
			t.Errorf("durationValue(%s) = (%s, %v, %v), want (%s, %v, err=%v)", tt.key, got, ok, err, tt.want, tt.wantOK, tt.wantErr)
		}
	}
}

func TestIntSlice(t *testing.T) {
	config := map[string]any{
		"any":  []any{float64(0), 2, "x"},
		"ints": []int{3},
	}
	if got := intSlice(config, "any"); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("intSlice(any) = %v, want [0 2]", got)
	}
	if got := intSlice(config, "ints"); len(got) != 1 || got[0] != 3 {
		t.Errorf("intSlice(ints) = %v, want [3]", got)
	}
	if got := intSlice(config, "missing"); got != nil {
		t.Errorf("intSlice(missing) = %v, want nil", got)
	}
}
