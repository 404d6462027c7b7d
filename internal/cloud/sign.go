// Package cloud implements the cloud poller and compensation set-point
// computer (spec component D): HMAC-SHA1 request signing, a bounded-retry
// HTTP client, and the EMA/slew-rate-limited set-point algorithm.
package cloud

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// signedRequest carries the headers a signed POST must send.
type signedRequest struct {
	ContentMD5    string
	Date          string
	ContentType   string
	Authorization string
}

// sign computes the four headers the cloud API requires for a POST of body
// to path, using the canonical string "POST\n<Content-MD5>\n<Content-Type>\n<Date>\n<path>".
func sign(apiID, apiSecret, path string, body []byte, now time.Time) signedRequest {
	const contentType = "application/json"

	md5Sum := md5.Sum(body)
	contentMD5 := base64.StdEncoding.EncodeToString(md5Sum[:])
	date := now.UTC().Format(time.RFC1123)
	// RFC1123 renders the UTC zone as "UTC"; the cloud API expects "GMT".
	date = date[:len(date)-3] + "GMT"

	canonical := "POST\n" + contentMD5 + "\n" + contentType + "\n" + date + "\n" + path

	mac := hmac.New(sha1.New, []byte(apiSecret))
	mac.Write([]byte(canonical))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return signedRequest{
		ContentMD5:    contentMD5,
		Date:          date,
		ContentType:   contentType,
		Authorization: fmt.Sprintf("API %s:%s", apiID, signature),
	}
}
