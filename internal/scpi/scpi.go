// SPDX-License-Identifier: MIT

// Package scpi implements the line-oriented SCPI text protocol spoken by
// bench instruments over raw TCP (conventionally port 5025).
package scpi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is the conventional SCPI raw-socket port.
const DefaultPort = 5025

// DefaultLineEnding terminates commands unless the instrument needs "\r\n".
const DefaultLineEnding = "\n"

// FormatCommand appends the line ending to a command for transmission.
func FormatCommand(cmd, lineEnding string) string {
	return cmd + lineEnding
}

// ParseResponse strips trailing CR/LF from a raw response line and reports
// whether it looks like an instrument error. A response of the shape
// "-NNN,..." (negative number immediately followed by a comma) is an error
// per the SCPI error queue convention; anything else, including negative
// measurement values, is data.
func ParseResponse(raw string) (string, bool, error) {
	if raw == "" {
		return "", false, errors.New("scpi: empty response")
	}

	resp := strings.TrimRight(raw, "\r\n")
	if resp == "" {
		return "", false, errors.New("scpi: response contains only line endings")
	}

	isError := false
	if resp[0] == '-' && len(resp) > 1 {
		for i := 1; i < len(resp); i++ {
			c := resp[i]
			if c == ',' {
				isError = true
				break
			}
			if c < '0' || c > '9' {
				break
			}
		}
	}

	return resp, isError, nil
}

// ParseError splits an instrument error of the form `-NNN,"message"` into
// its numeric code and unquoted message.
func ParseError(response string) (int, string, error) {
	codeStr, rest, found := strings.Cut(response, ",")
	if !found {
		return 0, "", fmt.Errorf("scpi: no comma in error %q", response)
	}

	code, err := strconv.Atoi(strings.TrimSpace(codeStr))
	if err != nil {
		return 0, "", fmt.Errorf("scpi: bad error code in %q: %w", response, err)
	}

	msg := strings.TrimLeft(rest, ` "`)
	msg = strings.TrimRight(msg, `"`)
	return code, msg, nil
}
