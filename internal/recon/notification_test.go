package recon

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"paygate/internal/common/money"
)

func TestKind(t *testing.T) {
	tests := []struct {
		eventCode      string
		want           Kind
		isModification bool
		isNormal       bool
	}{
		{EventCodeAuthorisation, KindAuthorisation, false, true},
		{EventCodeCapture, KindCapture, true, false},
		{EventCodeCancelOrRefund, KindCancelOrRefund, true, false},
		{EventCodeRefund, KindRefund, true, false},
		{"REPORT_AVAILABLE", KindUnknown, false, false},
		{"NOTIFICATION_OF_CHARGEBACK", KindUnknown, false, false},
		{"authorisation", KindUnknown, false, false},
		{"", KindUnknown, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.eventCode, func(t *testing.T) {
			n := &Notification{EventCode: tt.eventCode}
			assert.Equal(t, tt.want, n.Kind())
			assert.Equal(t, tt.isModification, n.IsModification())
			assert.Equal(t, tt.isNormal, n.IsNormal())
		})
	}
}

func TestAmount(t *testing.T) {
	n := &Notification{Value: 2350, Currency: "EUR"}
	assert.True(t, n.Amount().Equal(money.New(2350, money.EUR)))
}
