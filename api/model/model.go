/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/blnkfinance/disburse/model"
)

// ErrProcessAllXorSelected is returned when a request sets both or neither of
// processAll and selectedWinnerIds.
var ErrProcessAllXorSelected = errors.New("Set either processAll or selectedWinnerIds, not both.")

// DisburseCycle is the body of POST /disbursements/:cycleId.
type DisburseCycle struct {
	ProcessAll        bool    `json:"processAll"`
	SelectedWinnerIDs []int64 `json:"selectedWinnerIds"`
}

// DispatchHeaders carries the caller identity taken from request headers.
type DispatchHeaders struct {
	AdminID   int64
	RequestID string
}

func processAllXorSelected(d *DisburseCycle) validation.RuleFunc {
	return func(value interface{}) error {
		if d.ProcessAll == (len(d.SelectedWinnerIDs) > 0) {
			return ErrProcessAllXorSelected
		}
		return nil
	}
}

func (d *DisburseCycle) ValidateDisburseCycle() error {
	if err := processAllXorSelected(d)(nil); err != nil {
		return err
	}
	return validation.ValidateStruct(d,
		validation.Field(&d.SelectedWinnerIDs, validation.Each(validation.Min(int64(1)))),
	)
}

func (h *DispatchHeaders) ValidateDispatchHeaders() error {
	return validation.ValidateStruct(h,
		validation.Field(&h.AdminID, validation.Required, validation.Min(int64(1))),
		validation.Field(&h.RequestID, validation.Length(0, 128)),
	)
}

func (d *DisburseCycle) ToDisbursementRequest(cycleID int64, h DispatchHeaders) model.DisbursementRequest {
	return model.DisbursementRequest{
		CycleSettingID:    cycleID,
		AdminID:           h.AdminID,
		ProcessAll:        d.ProcessAll,
		SelectedWinnerIDs: d.SelectedWinnerIDs,
		RequestID:         h.RequestID,
	}
}
