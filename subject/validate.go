// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subject

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Validation errors.
var (
	ErrInvalidSubject = errors.New("invalid subject")
	ErrInvalidFilter  = errors.New("invalid subject filter")
	ErrInvalidQueue   = errors.New("invalid queue group name")
)

// ValidatePublish checks a subject used for PUB: concrete tokens only.
func ValidatePublish(subj string) error {
	if err := validateTokens(subj, ErrInvalidSubject); err != nil {
		return err
	}
	if HasWildcards(subj) {
		return ErrInvalidSubject
	}
	return nil
}

// ValidateFilter checks a subject used for SUB. '>' is only legal as the last token.
func ValidateFilter(filter string) error {
	if err := validateTokens(filter, ErrInvalidFilter); err != nil {
		return err
	}
	tokens := strings.Split(filter, Separator)
	for i, t := range tokens {
		if t == FullWildcard && i != len(tokens)-1 {
			return ErrInvalidFilter
		}
	}
	return nil
}

// ValidateQueue checks a queue group name. An empty name means no group.
func ValidateQueue(queue string) error {
	if queue == "" {
		return nil
	}
	if !utf8.ValidString(queue) || strings.ContainsAny(queue, " \t\r\n") {
		return ErrInvalidQueue
	}
	return nil
}

func validateTokens(s string, errInvalid error) error {
	if s == "" || !utf8.ValidString(s) {
		return errInvalid
	}
	// Whitespace would split the control line.
	if strings.ContainsAny(s, " \t\r\n\u0000") {
		return errInvalid
	}
	for _, t := range strings.Split(s, Separator) {
		if t == "" {
			return errInvalid
		}
	}
	return nil
}
