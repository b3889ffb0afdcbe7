package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"relay-flow-backend/internal/chains"
)

func TestSelectChains(t *testing.T) {
	all := chains.DefaultChains()
	assert.Equal(t, all, selectChains(all, nil))

	picked := selectChains(all, []int64{8453, 1, 777})
	var ids []int64
	for _, c := range picked {
		ids = append(ids, c.ChainID)
	}
	assert.Equal(t, []int64{1, 8453}, ids, "registry order, unknown ids ignored")
}
