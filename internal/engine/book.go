package engine

import (
	"github.com/google/btree"

	"github.com/aristath/bourse/internal/domain"
)

// priceLevel holds the FIFO queue of resting orders at one price
type priceLevel struct {
	price float64
	queue []*domain.Order
}

// bookSide is one side of the resting book: market orders in arrival order
// ahead of limit orders organized in price levels. Buy levels sort best
// (highest) price first, sell levels lowest first.
type bookSide struct {
	side    domain.Side
	market  []*domain.Order
	levels  *btree.BTreeG[*priceLevel]
	ordered int
}

func newBookSide(side domain.Side) *bookSide {
	less := func(a, b *priceLevel) bool { return a.price < b.price }
	if side == domain.SideBuy {
		less = func(a, b *priceLevel) bool { return a.price > b.price }
	}
	return &bookSide{
		side:   side,
		levels: btree.NewG(8, less),
	}
}

// Add inserts an order. Orders must arrive in creation order so FIFO within
// a price level falls out of insertion order.
func (s *bookSide) Add(order *domain.Order) {
	s.ordered++
	if order.Type == domain.OrderTypeMarket {
		s.market = append(s.market, order)
		return
	}

	probe := &priceLevel{price: order.Price}
	if level, ok := s.levels.Get(probe); ok {
		level.queue = append(level.queue, order)
		return
	}
	probe.queue = []*domain.Order{order}
	s.levels.ReplaceOrInsert(probe)
}

// Orders returns the side flattened in matching priority: market orders
// first in arrival order, then price levels best-first with FIFO inside
// each level.
func (s *bookSide) Orders() []*domain.Order {
	result := make([]*domain.Order, 0, s.ordered)
	result = append(result, s.market...)
	s.levels.Ascend(func(level *priceLevel) bool {
		result = append(result, level.queue...)
		return true
	})
	return result
}

// book is the full resting book of one security for one session
type book struct {
	buys  *bookSide
	sells *bookSide
}

func newBook(buys, sells []*domain.Order) *book {
	b := &book{
		buys:  newBookSide(domain.SideBuy),
		sells: newBookSide(domain.SideSell),
	}
	for _, order := range buys {
		b.buys.Add(order)
	}
	for _, order := range sells {
		b.sells.Add(order)
	}
	return b
}

// crosses reports the price-eligibility of a pair: a market order on either
// side always crosses, otherwise the buy limit must reach the sell limit.
func crosses(buy, sell *domain.Order) bool {
	if buy.Type == domain.OrderTypeMarket || sell.Type == domain.OrderTypeMarket {
		return true
	}
	return buy.Price >= sell.Price-domain.Epsilon
}
