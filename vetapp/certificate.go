// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package vetapp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Certificate is a message a user signs to identify themselves to, or
// agree with, a domain.
//
// Fields are declared in key order: the device hashes the canonical
// encoding, which has object keys sorted.
type Certificate struct {
	Domain    string             `json:"domain"`
	Payload   CertificatePayload `json:"payload"`
	Purpose   string             `json:"purpose"`
	Signer    string             `json:"signer"`
	Timestamp int64              `json:"timestamp"`
}

type CertificatePayload struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

const (
	PurposeIdentification = "identification"
	PurposeAgreement      = "agreement"
)

// Encode returns the canonical JSON of c: sorted keys, no insignificant
// whitespace, no HTML escaping and a lower case signer.
func (c Certificate) Encode() ([]byte, error) {
	if c.Purpose != PurposeIdentification && c.Purpose != PurposeAgreement {
		return nil, fmt.Errorf("unknown certificate purpose %q", c.Purpose)
	}
	if c.Domain == "" {
		return nil, fmt.Errorf("certificate has no domain")
	}

	c.Signer = strings.ToLower(c.Signer)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
