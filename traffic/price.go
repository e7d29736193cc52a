package traffic

import "github.com/meshnet-tools/meshagent/identity"

// StaticPriceSource is the default PriceSource: a single configured
// price applied uniformly to every peer. The routing daemon that would
// report a real per-peer price is an out-of-scope external collaborator
// (spec.md §1); this is the simplest thing that satisfies the interface
// until such a collaborator is wired in.
type StaticPriceSource struct {
	price uint64
}

// NewStaticPriceSource builds a PriceSource that always reports price.
func NewStaticPriceSource(price uint64) StaticPriceSource {
	return StaticPriceSource{price: price}
}

// PriceWePay implements PriceSource.
func (s StaticPriceSource) PriceWePay(identity.Identity) (uint64, bool) {
	return s.price, true
}
