package engine

// OracleStore holds the latest consensus-ordered price observation per
// underlying asset. Updates arrive as transactions only, so replaying the
// same stream yields the same prices at every step.
type OracleStore struct {
	observations map[string]oracleObservation
}

type oracleObservation struct {
	price int64
	block uint64
}

func NewOracleStore() *OracleStore {
	return &OracleStore{observations: make(map[string]oracleObservation)}
}

func (os *OracleStore) Set(underlying string, price int64, block uint64) {
	os.observations[underlying] = oracleObservation{price: price, block: block}
}

// Price implements market.PriceSource.
func (os *OracleStore) Price(underlying string) (int64, uint64, bool) {
	obs, ok := os.observations[underlying]
	if !ok {
		return 0, 0, false
	}
	return obs.price, obs.block, true
}
