// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errctx

import (
	"context"
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestErrCenterFirstErrorWins(t *testing.T) {
	t.Parallel()

	center := NewErrCenter()
	require.Nil(t, center.CheckError())
	center.OnError(nil)
	require.Nil(t, center.CheckError())

	first := errors.New("first")
	center.OnError(first)
	center.OnError(errors.New("second"))
	require.Equal(t, first, center.CheckError())

	select {
	case <-center.Done():
	default:
		t.Fatal("done channel must be closed")
	}
}

func TestErrCenterConcurrentErrors(t *testing.T) {
	t.Parallel()

	center := NewErrCenter()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			center.OnError(errors.New("fake error"))
		}()
	}
	wg.Wait()
	require.Error(t, center.CheckError())
	<-center.Done()
}

func TestWithCancelOnFirstError(t *testing.T) {
	t.Parallel()

	center := NewErrCenter()
	ctx := center.WithCancelOnFirstError(context.Background())
	require.Nil(t, ctx.Err())

	err := errors.New("fake error")
	center.OnError(err)
	<-ctx.Done()
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	require.Equal(t, err, context.Cause(ctx))

	// A context derived after the error is cancelled immediately.
	ctx = center.WithCancelOnFirstError(context.Background())
	<-ctx.Done()
	require.Equal(t, err, context.Cause(ctx))
}

func TestWithCancelOnFirstErrorParentCanceled(t *testing.T) {
	t.Parallel()

	center := NewErrCenter()
	parent, cancel := context.WithCancel(context.Background())
	ctx := center.WithCancelOnFirstError(parent)
	cancel()
	<-ctx.Done()
	require.ErrorIs(t, context.Cause(ctx), context.Canceled)
	require.Nil(t, center.CheckError())
}
