package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext(t *testing.T) {
	fallback := zap.NewNop()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	core, logs := observer.New(zapcore.InfoLevel)
	scoped := zap.New(core).With(zap.String("request_id", "req-1"))

	ctx := WithLogger(context.Background(), scoped)
	FromContext(ctx, fallback).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	}
}

func TestFromContext_SurvivesDetach(t *testing.T) {
	scoped := zap.NewExample()
	ctx := context.WithoutCancel(WithLogger(context.Background(), scoped))

	assert.Same(t, scoped, FromContext(ctx, zap.NewNop()))
}
