// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"fmt"

	"querygate/server/internal/errors"
)

// PresentError formats an error for user display with masking. Typed errors
// are shown by message with their kind in brackets.
func PresentError(context string, err error) string {
	if err == nil {
		return ""
	}
	if kind := errors.KindOf(err); kind != "" {
		return fmt.Sprintf("%s: %s [%s]", context, Mask(errors.MessageOf(err)), kind)
	}
	return fmt.Sprintf("%s: %s", context, Mask(err.Error()))
}
