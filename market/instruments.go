package market

// InstrumentMeta carries the contract details needed for sizing and P/L.
type InstrumentMeta struct {
	Name          string
	BaseCurrency  string
	QuoteCurrency string

	// ContractSize is the number of base units in one lot (troy ounces for
	// gold).
	ContractSize float64
	LotStep      float64
	MinLot       float64
	MaxLot       float64

	// PriceDecimals is the number of decimals the broker accepts on prices.
	PriceDecimals int32
	MarginRate    float64
}

const XAUUSD = "XAU_USD"

var Instruments = map[string]InstrumentMeta{
	XAUUSD: {
		Name:          XAUUSD,
		BaseCurrency:  "XAU",
		QuoteCurrency: "USD",
		ContractSize:  100,
		LotStep:       0.01,
		MinLot:        0.01,
		MaxLot:        10,
		PriceDecimals: 3,
		MarginRate:    0.05,
	},
}

// Lookup returns metadata for a known instrument. MT5 style names such as
// "XAUUSD" are accepted as aliases.
func Lookup(name string) (InstrumentMeta, bool) {
	if m, ok := Instruments[name]; ok {
		return m, true
	}
	for _, m := range Instruments {
		if m.BaseCurrency+m.QuoteCurrency == name {
			return m, true
		}
	}
	return InstrumentMeta{}, false
}
