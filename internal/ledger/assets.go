package ledger

// Address identifies a trader (lowercase hex, 0x-prefixed).
type Address string

// AssetID maps collateral asset strings to numeric IDs
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"USDT": 2,
		"WETH": 3,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "USDT",
		3: "WETH",
	}
)

// QuoteAsset is the settlement asset for all markets.
const QuoteAsset AssetID = 1

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}
