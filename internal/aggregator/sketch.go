package aggregator

import (
	"strings"

	"github.com/axiomhq/hyperloglog"

	"relay-flow-backend/internal/models"
)

// sketch estimates distinct depositors. Empty addresses are not counted.
type sketch struct {
	hll *hyperloglog.Sketch
}

func newSketch() *sketch {
	return &sketch{hll: hyperloglog.New14()}
}

func (s *sketch) add(depositor string) {
	if depositor == "" {
		return
	}
	s.hll.Insert([]byte(strings.ToLower(depositor)))
}

func (s *sketch) estimate() uint64 {
	return s.hll.Estimate()
}

// UniqueDepositors estimates the distinct depositors across txs.
func UniqueDepositors(txs []models.Transaction) uint64 {
	s := newSketch()
	for _, tx := range txs {
		s.add(tx.Depositor)
	}
	return s.estimate()
}
