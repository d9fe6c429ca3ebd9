/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ledgerView struct {
	OrderID string `json:"order_id"`
	Funded  int64  `json:"funded"`
}

func newTestCache(t *testing.T) Cache {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(client)
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "order-ledger:" + gofakeit.UUID()

	in := ledgerView{OrderID: gofakeit.UUID(), Funded: 100}
	require.NoError(t, c.Set(ctx, key, in, time.Minute))

	var out ledgerView
	found, err := c.Get(ctx, key, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)

	require.NoError(t, c.Delete(ctx, key))
	var again ledgerView
	found, err = c.Get(ctx, key, &again)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_Miss(t *testing.T) {
	c := newTestCache(t)
	var out ledgerView
	found, err := c.Get(context.Background(), "missing", &out)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, c.Delete(context.Background(), "missing"))
}
