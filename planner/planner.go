// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package planner chooses how to split intents across origin chains to
// purchase an invoice. Plan is a pure function of its inputs: identical
// inputs always produce identical output.
package planner

import (
	"math/big"
	"sort"

	"github.com/everclearorg/mark/core"
)

// Config tunes candidate selection.
type Config struct {
	// SupportedDomains lists the settlement domains in preference order; the
	// first TopN entries are the top-N chains.
	SupportedDomains []string
	TopN             int

	// MaxDestinations caps how many splits a single origin may issue.
	MaxDestinations int

	// MinAllocation rejects plans that would allocate less than this; the
	// caller treats an empty plan as "retry later". Nil disables the floor.
	MinAllocation *big.Int
}

// Input carries everything Plan needs. Balances and custodied liquidity are
// keyed ticker -> chain -> amount in canonical 18-decimal units.
type Input struct {
	Invoice    *core.Invoice
	MinAmounts core.MinAmounts
	Balances   map[string]map[string]*big.Int
	Custodied  map[string]map[string]*big.Int
}

// Intent is one split Mark submits. Every intent lists the full candidate
// destination set so the hub may settle on any of them; origin and amount are
// what differ between intents.
type Intent struct {
	Origin       string
	Destinations []string
	TickerHash   string
	Amount       *big.Int
}

// Result is the chosen origin and its intents. A nil/empty result means no
// viable plan exists right now.
type Result struct {
	OriginDomain   string
	TotalAllocated *big.Int
	Intents        []Intent
}

// candidate scores one origin's best allocation.
type candidate struct {
	origin         string
	totalAllocated *big.Int
	fullyAllocated bool
	intents        []Intent
	topNUsage      int
}

// Plan evaluates every origin chain holding the invoice's ticker and returns
// the intents for the best candidate, preferring origins that fully cover the
// invoice, then fewer splits, then heavier use of top-N chains, then larger
// allocation.
func Plan(in Input, cfg Config) Result {
	empty := Result{TotalAllocated: new(big.Int)}
	if in.Invoice == nil {
		return empty
	}
	invoiceAmount, err := core.ParseAmount(in.Invoice.Amount)
	if err != nil || invoiceAmount.Sign() == 0 {
		return empty
	}

	balances := in.Balances[in.Invoice.TickerHash]
	custodied := in.Custodied[in.Invoice.TickerHash]
	if len(balances) == 0 || len(custodied) == 0 {
		return empty
	}

	maxDestinations := cfg.MaxDestinations
	if maxDestinations <= 0 {
		maxDestinations = len(cfg.SupportedDomains)
	}

	var best *candidate
	for _, origin := range orderedOrigins(balances, cfg.SupportedDomains) {
		c := evaluateOrigin(origin, in.Invoice.TickerHash, invoiceAmount, balances[origin], custodied, cfg, maxDestinations)
		if c == nil {
			continue
		}
		if best == nil || c.better(best) {
			best = c
		}
	}

	if best == nil || best.totalAllocated.Sign() == 0 {
		return empty
	}
	if cfg.MinAllocation != nil && best.totalAllocated.Cmp(cfg.MinAllocation) < 0 {
		return empty
	}
	return Result{
		OriginDomain:   best.origin,
		TotalAllocated: best.totalAllocated,
		Intents:        best.intents,
	}
}

// evaluateOrigin walks the destinations in descending custodied order,
// splitting the invoice until the origin balance is exhausted, the invoice is
// covered, or the split budget is spent. The origin itself is never a
// settlement target for its own intents.
func evaluateOrigin(origin, tickerHash string, invoiceAmount, balance *big.Int, custodied map[string]*big.Int, cfg Config, maxDestinations int) *candidate {
	if balance == nil || balance.Sign() == 0 {
		return nil
	}

	destinations := orderedDestinations(origin, custodied, cfg.SupportedDomains)
	if len(destinations) == 0 {
		return nil
	}

	remainingBalance := new(big.Int).Set(balance)
	remainingInvoice := new(big.Int).Set(invoiceAmount)
	allDestinations := fullDestinationSet(cfg.SupportedDomains, custodied, origin)

	c := &candidate{
		origin:         origin,
		totalAllocated: new(big.Int),
	}
	topN := topNSet(cfg)

	for _, dest := range destinations {
		if remainingBalance.Sign() == 0 || remainingInvoice.Sign() == 0 {
			break
		}
		if len(c.intents) >= maxDestinations {
			break
		}
		size := core.MinBig(core.MinBig(remainingBalance, custodied[dest]), remainingInvoice)
		if size.Sign() == 0 {
			continue
		}
		c.intents = append(c.intents, Intent{
			Origin:       origin,
			Destinations: allDestinations,
			TickerHash:   tickerHash,
			Amount:       size,
		})
		c.totalAllocated.Add(c.totalAllocated, size)
		remainingBalance.Sub(remainingBalance, size)
		remainingInvoice.Sub(remainingInvoice, size)
		if topN[dest] {
			c.topNUsage++
		}
	}

	if len(c.intents) == 0 {
		return nil
	}
	c.fullyAllocated = remainingInvoice.Sign() == 0
	return c
}

// better implements the lexicographic selection key
// (-fullyAllocated, intentCount, -topNUsage, -totalAllocated).
func (c *candidate) better(other *candidate) bool {
	if c.fullyAllocated != other.fullyAllocated {
		return c.fullyAllocated
	}
	if len(c.intents) != len(other.intents) {
		return len(c.intents) < len(other.intents)
	}
	if c.topNUsage != other.topNUsage {
		return c.topNUsage > other.topNUsage
	}
	return c.totalAllocated.Cmp(other.totalAllocated) > 0
}

// orderedOrigins returns chains holding a balance, supported domains first in
// configured order, then any others sorted for determinism.
func orderedOrigins(balances map[string]*big.Int, supported []string) []string {
	seen := make(map[string]bool, len(balances))
	var out []string
	for _, domain := range supported {
		if b, ok := balances[domain]; ok && b.Sign() > 0 {
			out = append(out, domain)
			seen[domain] = true
		}
	}
	var rest []string
	for chain, b := range balances {
		if !seen[chain] && b.Sign() > 0 {
			rest = append(rest, chain)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// orderedDestinations returns chains with custodied liquidity, excluding the
// origin, sorted by custodied amount descending with configured order as the
// tiebreak.
func orderedDestinations(origin string, custodied map[string]*big.Int, supported []string) []string {
	rank := make(map[string]int, len(supported))
	for i, domain := range supported {
		rank[domain] = i
	}

	var out []string
	for chain, amount := range custodied {
		if chain == origin || amount == nil || amount.Sign() == 0 {
			continue
		}
		out = append(out, chain)
	}
	sort.SliceStable(out, func(i, j int) bool {
		cmp := custodied[out[i]].Cmp(custodied[out[j]])
		if cmp != 0 {
			return cmp > 0
		}
		ri, iok := rank[out[i]]
		rj, jok := rank[out[j]]
		if iok && jok {
			return ri < rj
		}
		if iok != jok {
			return iok
		}
		return out[i] < out[j]
	})
	return out
}

// fullDestinationSet is every candidate destination an intent lists: the
// supported domains plus any chain carrying custodied liquidity, origin
// included, sorted for determinism.
func fullDestinationSet(supported []string, custodied map[string]*big.Int, origin string) []string {
	set := make(map[string]bool, len(supported)+len(custodied)+1)
	for _, domain := range supported {
		set[domain] = true
	}
	for chain, amount := range custodied {
		if amount != nil && amount.Sign() > 0 {
			set[chain] = true
		}
	}
	set[origin] = true

	out := make([]string, 0, len(set))
	for chain := range set {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool {
		// numeric chain ids sort numerically
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

func topNSet(cfg Config) map[string]bool {
	n := cfg.TopN
	if n <= 0 || n > len(cfg.SupportedDomains) {
		n = len(cfg.SupportedDomains)
	}
	set := make(map[string]bool, n)
	for _, domain := range cfg.SupportedDomains[:n] {
		set[domain] = true
	}
	return set
}
