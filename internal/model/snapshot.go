package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSnapshot marks snapshots that violate book invariants.
// The single record is dropped; the pipeline continues.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// ComputeDerived validates the book invariants and fills in best bid/ask,
// spread, mid price, depths, and the content hash.
//
// Invariants checked: bids price-descending, asks price-ascending, all
// prices in [0, 1], all sizes > 0.
func (s *OrderbookSnapshot) ComputeDerived() error {
	if err := validateSide(s.Bids, true); err != nil {
		return fmt.Errorf("%w: bids: %v", ErrInvalidSnapshot, err)
	}
	if err := validateSide(s.Asks, false); err != nil {
		return fmt.Errorf("%w: asks: %v", ErrInvalidSnapshot, err)
	}

	s.BestBid, s.BestAsk, s.Spread, s.MidPrice = nil, nil, nil, nil
	s.BidDepth, s.AskDepth = 0, 0

	if len(s.Bids) > 0 {
		best := s.Bids[0].Price
		s.BestBid = &best
		for _, l := range s.Bids {
			s.BidDepth += l.Size
		}
	}
	if len(s.Asks) > 0 {
		best := s.Asks[0].Price
		s.BestAsk = &best
		for _, l := range s.Asks {
			s.AskDepth += l.Size
		}
	}
	if s.BestBid != nil && s.BestAsk != nil {
		if *s.BestBid > *s.BestAsk {
			return fmt.Errorf("%w: crossed book: best bid %g > best ask %g",
				ErrInvalidSnapshot, *s.BestBid, *s.BestAsk)
		}
		spread := *s.BestAsk - *s.BestBid
		mid := (*s.BestBid + *s.BestAsk) / 2
		s.Spread = &spread
		s.MidPrice = &mid
	}

	s.Hash = ContentHash(s.Bids, s.Asks)
	return nil
}

func validateSide(levels []OrderLevel, descending bool) error {
	for i, l := range levels {
		if l.Price < 0 || l.Price > 1 {
			return fmt.Errorf("price %g outside [0,1] at level %d", l.Price, i)
		}
		if l.Size <= 0 {
			return fmt.Errorf("non-positive size %g at level %d", l.Size, i)
		}
		if i == 0 {
			continue
		}
		prev := levels[i-1].Price
		if descending && l.Price >= prev {
			return fmt.Errorf("not price-descending at level %d", i)
		}
		if !descending && l.Price <= prev {
			return fmt.Errorf("not price-ascending at level %d", i)
		}
	}
	return nil
}

// ContentHash returns a stable digest over the book sides: canonical
// serialization, SHA-256, first 16 hex chars. Used for emission dedup
// and audit.
func ContentHash(bids, asks []OrderLevel) string {
	var b strings.Builder
	b.WriteString("b:")
	writeLevels(&b, bids)
	b.WriteString("|a:")
	writeLevels(&b, asks)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

func writeLevels(b *strings.Builder, levels []OrderLevel) {
	for i, l := range levels {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.FormatFloat(l.Price, 'f', -1, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(l.Size, 'f', -1, 64))
	}
}

// Clone returns a deep copy suitable for forward-fill emission. The raw
// payload is intentionally dropped.
func (s *OrderbookSnapshot) Clone() *OrderbookSnapshot {
	c := *s
	c.Bids = append([]OrderLevel(nil), s.Bids...)
	c.Asks = append([]OrderLevel(nil), s.Asks...)
	c.RawPayload = nil
	if s.BestBid != nil {
		v := *s.BestBid
		c.BestBid = &v
	}
	if s.BestAsk != nil {
		v := *s.BestAsk
		c.BestAsk = &v
	}
	if s.Spread != nil {
		v := *s.Spread
		c.Spread = &v
	}
	if s.MidPrice != nil {
		v := *s.MidPrice
		c.MidPrice = &v
	}
	if s.SourceTimestampMS != nil {
		v := *s.SourceTimestampMS
		c.SourceTimestampMS = &v
	}
	return &c
}

// Validate checks the trade fields that gate a sink write.
func (t *Trade) Validate() error {
	if t.Price < 0 || t.Price > 1 {
		return fmt.Errorf("%w: trade price %g outside [0,1]", ErrInvalidSnapshot, t.Price)
	}
	if t.Size <= 0 {
		return fmt.Errorf("%w: non-positive trade size %g", ErrInvalidSnapshot, t.Size)
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("%w: unknown trade side %q", ErrInvalidSnapshot, t.Side)
	}
	return nil
}
