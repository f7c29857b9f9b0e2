// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/everclearorg/mark/core"
)

type stubAdapter struct {
	tag SupportedBridge
}

func (a *stubAdapter) Type() SupportedBridge { return a.tag }

func (a *stubAdapter) GetReceivedAmount(_ context.Context, amount *big.Int, _ Route) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}

func (a *stubAdapter) Send(context.Context, string, string, *big.Int, Route) ([]Transaction, error) {
	return nil, ErrUnsupportedRoute
}

func (a *stubAdapter) ReadyOnDestination(context.Context, *big.Int, Route, *core.Receipt) (bool, error) {
	return false, nil
}

func (a *stubAdapter) DestinationCallback(context.Context, Route, *core.Receipt) (*Transaction, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("across")
	require.ErrorIs(t, err, ErrAdapterNotFound)

	r.Register(&stubAdapter{tag: "across"})
	r.Register(&stubAdapter{tag: "cctp"})

	adapter, err := r.Get("across")
	require.NoError(t, err)
	require.Equal(t, SupportedBridge("across"), adapter.Type())

	require.Equal(t, []SupportedBridge{"across", "cctp"}, r.Tags())
}
