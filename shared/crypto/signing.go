// Copyright 2025 FlowGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureTolerance is the replay window for signed requests.
const SignatureTolerance = 300 * time.Second

var (
	// ErrMalformedSignature indicates the header does not parse.
	ErrMalformedSignature = errors.New("malformed signature header")

	// ErrMissingSignature indicates no v1 entry was present.
	ErrMissingSignature = errors.New("signature header has no v1 entry")

	// ErrStaleSignature indicates the timestamp is outside the replay window.
	ErrStaleSignature = errors.New("signature timestamp outside tolerance")

	// ErrSignatureMismatch indicates no v1 entry matched the payload.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// SignedHeader is the parsed form of "t=<unix>,v1=<hex>[,v1=<hex>...]".
type SignedHeader struct {
	Timestamp  int64
	Signatures []string
}

// ParseSignatureHeader parses the signature header format. Unknown schemes
// are ignored so that future signature versions stay backward compatible.
func ParseSignatureHeader(header string) (*SignedHeader, error) {
	parsed := &SignedHeader{Timestamp: -1}

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 || kv[1] == "" {
			return nil, ErrMalformedSignature
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return nil, ErrMalformedSignature
			}
			parsed.Timestamp = ts
		case "v1":
			parsed.Signatures = append(parsed.Signatures, kv[1])
		}
	}

	if parsed.Timestamp < 0 {
		return nil, ErrMalformedSignature
	}
	if len(parsed.Signatures) == 0 {
		return nil, ErrMissingSignature
	}
	return parsed, nil
}

// SignPayload produces a signature header for body at the given time.
func SignPayload(secret string, at time.Time, body []byte) string {
	ts := at.Unix()
	signed := fmt.Sprintf("%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, ComputeHMACHex(secret, []byte(signed)))
}

// VerifySignature checks a signature header against the raw request body.
func VerifySignature(header string, body []byte, secret string) error {
	return verifySignatureAt(header, body, secret, time.Now())
}

func verifySignatureAt(header string, body []byte, secret string, now time.Time) error {
	parsed, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := now.Unix() - parsed.Timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > SignatureTolerance {
		return ErrStaleSignature
	}

	signed := fmt.Sprintf("%d.%s", parsed.Timestamp, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	expected := mac.Sum(nil)

	for _, candidate := range parsed.Signatures {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// ComputeHMACHex returns the hex-encoded HMAC-SHA256 of data under secret.
func ComputeHMACHex(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// SecureCompareHex compares two hex-encoded MACs in constant time.
func SecureCompareHex(a, b string) bool {
	decodedA, errA := hex.DecodeString(a)
	decodedB, errB := hex.DecodeString(b)
	if errA != nil || errB != nil {
		return false
	}
	return hmac.Equal(decodedA, decodedB)
}
