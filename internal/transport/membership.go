package transport

import "github.com/devrev/pairdb/cache-node/internal/model"

// StaticMembership is a fixed member list, used when gossip is disabled.
// Each member's address doubles as its RPC endpoint unless listed in Endpoints.
type StaticMembership struct {
	Addresses []model.Address
	Endpoints map[model.Address]string
}

func (s *StaticMembership) Members() []model.Address {
	return model.NewAddressSet(s.Addresses...).Slice()
}

func (s *StaticMembership) RPCAddress(addr model.Address) (string, bool) {
	if endpoint, ok := s.Endpoints[addr]; ok {
		return endpoint, true
	}
	for _, a := range s.Addresses {
		if a == addr {
			return string(addr), true
		}
	}
	return "", false
}
