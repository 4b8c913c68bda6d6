package codec

const (
	mintLayout         = "token mint"
	mintLen            = 82
	mintDecimalsOffset = 44
	mintInitOffset     = 45
)

// DecodeMintDecimals reads the decimals of an SPL token mint account.
func DecodeMintDecimals(data []byte) (uint8, error) {
	if len(data) < mintLen {
		return 0, decodeErr(mintLayout, -1, "account length %d below %d", len(data), mintLen)
	}
	if data[mintInitOffset] == 0 {
		return 0, decodeErr(mintLayout, mintInitOffset, "mint is not initialized")
	}
	return data[mintDecimalsOffset], nil
}
