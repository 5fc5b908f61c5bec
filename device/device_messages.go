package device

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/limits"
	"github.com/opd-ai/groupcrypt/ratchet"
)

// EncryptUsingFallbackKey seals payload for another device, addressed to
// its published fallback key. The result is base64 text.
func (d *Device) EncryptUsingFallbackKey(ctx context.Context, deviceKey, fallbackKey string, payload []byte) (string, error) {
	if err := limits.ValidateMessageSize(payload, limits.MaxGroupPlaintext); err != nil {
		return "", err
	}

	release, err := d.peers.Lock(ctx, deviceKey)
	if err != nil {
		return "", err
	}
	defer release()

	var out string
	err = d.withAccount(func(account *ratchet.Account, _ *crypto.PickleKey) error {
		sealed, err := account.EncryptForDevice(fallbackKey, payload)
		if err != nil {
			return fmt.Errorf("failed to encrypt for device %s: %w", crypto.KeyPreview(deviceKey), err)
		}
		out = base64.StdEncoding.EncodeToString(sealed)
		return nil
	})
	return out, err
}

// DecryptMessage opens a device message that senderDeviceKey sealed to one of
// this device's fallback keys.
func (d *Device) DecryptMessage(ctx context.Context, ciphertext, senderDeviceKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid device message encoding: %w", err)
	}
	if err := limits.ValidateDeviceMessage(raw); err != nil {
		return nil, err
	}

	release, err := d.peers.Lock(ctx, senderDeviceKey)
	if err != nil {
		return nil, err
	}
	defer release()

	var plaintext []byte
	err = d.withAccount(func(account *ratchet.Account, _ *crypto.PickleKey) error {
		plaintext, err = account.DecryptFromDevice(senderDeviceKey, raw)
		return err
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "DecryptMessage",
			"sender_key": crypto.KeyPreview(senderDeviceKey),
			"error":      err.Error(),
		}).Warn("Failed to decrypt device message")
		return nil, err
	}
	return plaintext, nil
}
