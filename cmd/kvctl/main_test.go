package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

type fakeKV struct {
	data map[int64]int64
	err  error
}

func (f *fakeKV) Get(_ context.Context, key int64) (int64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Put(_ context.Context, key, value int64) error {
	if f.err != nil {
		return f.err
	}
	f.data[key] = value
	return nil
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDispatch(t *testing.T) {
	color.NoColor = true
	db := &fakeKV{data: map[int64]int64{}}
	ctx := context.Background()

	cases := []struct {
		args []string
		want string
	}{
		{[]string{"get", "5"}, "key 5 not found\n"},
		{[]string{"put", "5", "9"}, "OK\n"},
		{[]string{"get", "5"}, "9\n"},
		{[]string{"put", "-3", "-7"}, "OK\n"},
		{[]string{"get", "-3"}, "-7\n"},
	}
	for _, c := range cases {
		var out bytes.Buffer
		if err := dispatch(ctx, db, c.args, &out, quiet()); err != nil {
			t.Fatalf("%v: %v", c.args, err)
		}
		if out.String() != c.want {
			t.Fatalf("%v: got %q want %q", c.args, out.String(), c.want)
		}
	}
}

func TestDispatch_BadArgs(t *testing.T) {
	db := &fakeKV{data: map[int64]int64{}}
	for _, args := range [][]string{
		nil,
		{"get"},
		{"get", "x"},
		{"put", "1"},
		{"put", "1", "y"},
		{"del", "1"},
	} {
		if err := dispatch(context.Background(), db, args, io.Discard, quiet()); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
	if len(db.data) != 0 {
		t.Fatalf("bad args must not write, got %v", db.data)
	}
}

func TestDispatch_ClientError(t *testing.T) {
	boom := errors.New("boom")
	db := &fakeKV{err: boom}
	err := dispatch(context.Background(), db, []string{"get", "1"}, io.Discard, quiet())
	if !errors.Is(err, boom) {
		t.Fatalf("expected client error, got %v", err)
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	err := run([]string{"--nope"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected flag error, got %v", err)
	}
}
