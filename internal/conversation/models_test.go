package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStatusAdvances(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{DeliveryPending, DeliverySent, true},
		{DeliverySent, DeliveryDelivered, true},
		{DeliveryDelivered, DeliveryRead, true},
		{DeliveryRead, DeliveryDelivered, false},
		{DeliverySent, DeliverySent, false},
		{DeliveryPending, DeliveryFailed, true},
		{DeliverySent, DeliveryFailed, true},
		{DeliveryRead, DeliveryFailed, false},
		{DeliveryFailed, DeliverySent, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.Advances(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestClientFirstName(t *testing.T) {
	assert.Equal(t, "Maria", (&Client{DisplayName: "Maria Lopez"}).FirstName())
	assert.Equal(t, "Maria", (&Client{DisplayName: "Maria"}).FirstName())
	assert.Equal(t, "", (*Client)(nil).FirstName())
}
