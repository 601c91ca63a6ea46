package fetcher

import (
	"golang.org/x/text/encoding/simplifiedchinese"
)

// decodeGBK transcodes GBK/GB2312/GB18030-encoded bytes to UTF-8. 1688.com
// and similar marketplaces still serve a mix of UTF-8 and legacy GBK pages,
// so the Fetcher needs a real transcoder rather than a best-effort guess.
func decodeGBK(body []byte) ([]byte, error) {
	return simplifiedchinese.GBK.NewDecoder().Bytes(body)
}
