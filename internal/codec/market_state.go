package codec

const (
	marketStateLayout = "market state"
	marketStateWords  = 47
)

// MarketState holds the fields of a market account needed to track it.
type MarketState struct {
	AccountFlags uint64
	OwnAddress   PublicKey
	BaseMint     PublicKey
	QuoteMint    PublicKey
	RequestQueue PublicKey
	EventQueue   PublicKey
	Bids         PublicKey
	Asks         PublicKey
	BaseLotSize  uint64
	QuoteLotSize uint64
	FeeRateBps   uint64
}

// DecodeMarketState decodes a market account. The account is read as a run of
// little-endian u64 words following the head marker.
func DecodeMarketState(data []byte) (*MarketState, error) {
	flags, _, err := unwrapAccount(marketStateLayout, data, FlagInitialized|FlagMarket)
	if err != nil {
		return nil, err
	}
	need := headPaddingLen + marketStateWords*8
	if len(data)-tailPaddingLen < need {
		return nil, decodeErr(marketStateLayout, -1, "account needs %d bytes, have %d", need+tailPaddingLen, len(data))
	}

	word := func(i int) []byte { return data[headPaddingLen+i*8:] }
	return &MarketState{
		AccountFlags: flags,
		OwnAddress:   readKey(word(1)),
		BaseMint:     readKey(word(6)),
		QuoteMint:    readKey(word(10)),
		RequestQueue: readKey(word(27)),
		EventQueue:   readKey(word(31)),
		Bids:         readKey(word(35)),
		Asks:         readKey(word(39)),
		BaseLotSize:  le.Uint64(word(43)),
		QuoteLotSize: le.Uint64(word(44)),
		FeeRateBps:   le.Uint64(word(45)),
	}, nil
}
