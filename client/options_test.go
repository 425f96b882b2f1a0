// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptionsDefaults(t *testing.T) {
	o := NewOptions()
	assert.Equal(t, DefaultURL, o.URL)
	assert.Equal(t, DefaultDialTimeout, o.DialTimeout)
	assert.Equal(t, uint32(DefaultCreditWindow), o.CreditWindow)
	assert.Equal(t, uint32(DefaultCreditThreshold), o.CreditThreshold)
	assert.NoError(t, o.Validate())
}

func TestEngineConfig(t *testing.T) {
	o := NewOptions().
		SetContainerID("c1").
		SetIdleTimeout(5 * time.Second).
		SetCredentials("user", "pass")

	cfg := o.engineConfig("broker.local")
	assert.Equal(t, "c1", cfg.ContainerID)
	assert.Equal(t, "broker.local", cfg.Hostname)
	assert.Equal(t, 5*time.Second, cfg.IdleTimeout)
	require.NotNil(t, cfg.SASLClient)
	assert.Equal(t, sasl.MechPLAIN, cfg.SASLClient.Mechanism)
	assert.Equal(t, sasl.PlainResponse("", "user", "pass"), cfg.SASLClient.InitialResponse)

	cfg = NewOptions().SetSASLMechanism(sasl.MechANONYMOUS).engineConfig("h")
	require.NotNil(t, cfg.SASLClient)
	assert.Nil(t, cfg.SASLClient.InitialResponse)

	assert.Nil(t, NewOptions().engineConfig("h").SASLClient)
}

func TestDialConfig(t *testing.T) {
	o := NewOptions().SetURL("amqps://broker:5671").SetRetry(4, time.Millisecond, time.Second)
	o.FailureThreshold = 3
	dc := o.dialConfig()
	assert.Equal(t, "amqps://broker:5671", dc.URL)
	assert.Equal(t, 4, dc.MaxAttempts)
	assert.Equal(t, time.Millisecond, dc.InitialInterval)
	assert.Equal(t, time.Second, dc.MaxInterval)
	assert.Equal(t, 3, dc.FailureThreshold)
}
