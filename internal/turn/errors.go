// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every precondition failure. Such failures are
// reported before any network call and leave the controller unchanged.
var ErrValidation = errors.New("validation failed")

// Validation failures.
var (
	ErrEmptyMessage    = fmt.Errorf("%w: nothing to send", ErrValidation)
	ErrBusy            = fmt.Errorf("%w: a response is already in progress", ErrValidation)
	ErrNoConversation  = fmt.Errorf("%w: no conversation selected", ErrValidation)
	ErrNoEntities      = fmt.Errorf("%w: no entities in conversation", ErrValidation)
	ErrNoResponder     = fmt.Errorf("%w: no responder chosen", ErrValidation)
	ErrMessageNotFound = fmt.Errorf("%w: message not found", ErrValidation)
	ErrNotEditable     = fmt.Errorf("%w: only saved human messages can be edited", ErrValidation)
	ErrNotEditing      = fmt.Errorf("%w: no message is being edited", ErrValidation)
)

// ErrTurnFailed wraps transport and server failures of a turn.
var ErrTurnFailed = errors.New("turn failed")

// ErrSelectionCancelled is returned by a ResponderSelector when the user
// dismisses the selection.
var ErrSelectionCancelled = errors.New("responder selection cancelled")
