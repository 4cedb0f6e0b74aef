// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colorscan

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/lightningnetwork/lnd/ticker"
)

// filterSizeHeadroom is the number of extra elements a rebuilt filter is
// sized for, leaving room for peer-side automatic outpoint insertion
// without immediately degrading the false positive rate.
const filterSizeHeadroom = 20

// FilterUpdaterConfig holds the dependencies and tunables of a
// FilterUpdater.
type FilterUpdaterConfig struct {
	// Scanner is the scanner whose state drives filter rebuilds.
	Scanner *ColorScanner

	// RefreshTicker determines how often the scanner is checked for
	// state changes that invalidate the distributed filter.
	RefreshTicker ticker.Ticker

	// FalsePositiveRate is the false positive rate rebuilt filters are
	// constructed with.
	FalsePositiveRate float64

	// Tweak returns the random tweak for the next filter.  A fresh tweak
	// per filter keeps remote peers from correlating our filters.
	Tweak func() uint32

	// OnFilter is invoked with every rebuilt filter and is responsible
	// for distributing it to peers.  It is called outside the scanner
	// lock and must not block indefinitely.
	OnFilter func(*bloom.Filter)
}

// FilterUpdater watches a scanner for state changes and periodically
// rebuilds and redistributes its peer bloom filter.  The scanner has no
// incremental filter update, so any mutation requires pushing a full new
// filter; the updater coalesces bursts of mutations into one rebuild per
// tick.
type FilterUpdater struct {
	cfg FilterUpdaterConfig

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewFilterUpdater creates a new updater from the given config.
func NewFilterUpdater(cfg FilterUpdaterConfig) *FilterUpdater {
	return &FilterUpdater{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the update goroutine.
func (u *FilterUpdater) Start() {
	u.started.Do(func() {
		u.cfg.RefreshTicker.Resume()
		u.wg.Add(1)
		go u.updateLoop()
	})
}

// Stop halts the update goroutine and waits for it to exit.
func (u *FilterUpdater) Stop() {
	u.stopped.Do(func() {
		close(u.quit)
		u.cfg.RefreshTicker.Stop()
		u.wg.Wait()
	})
}

// updateLoop rebuilds the filter whenever a tick observes stale state.
func (u *FilterUpdater) updateLoop() {
	defer u.wg.Done()

	for {
		select {
		case <-u.cfg.RefreshTicker.Ticks():
			if !u.cfg.Scanner.filterRefreshNeeded() {
				continue
			}

			size := u.cfg.Scanner.GetBloomFilterElementCount() +
				filterSizeHeadroom
			filter := u.cfg.Scanner.GetBloomFilter(
				size, u.cfg.FalsePositiveRate, u.cfg.Tweak(),
			)
			log.Debugf("Redistributing bloom filter sized for "+
				"%d elements", size)
			u.cfg.OnFilter(filter)

		case <-u.quit:
			return
		}
	}
}
