// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// Entity is a configured AI persona that can answer in a conversation.
type Entity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Model       string `json:"model,omitempty"`
	Description string `json:"description,omitempty"`
}

// DisplayName returns the entity name, falling back to its id.
func (e Entity) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}
