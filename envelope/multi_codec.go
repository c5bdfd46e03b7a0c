package envelope

import "cyphertextkit/internal/wire"

// Wire tags for Multi's transport serialization, distinct from Single's
// signedBytes tags above since a Multi nests one Single per recipient
// device.
const (
	tagMultiPerDevice byte = 'k'
	tagPDUser         byte = 'u'
	tagPDDevice       byte = 'd'
	tagPDWrapping     byte = 'w'
)

// Encode serializes m for transport or storage.
func (m Multi) Encode() []byte {
	w := wire.NewWriter().
		PutBytes(tagTag, []byte(m.Tag)).
		PutBytes(tagSealed, m.SealedPayload).
		PutBytes(tagSignature, m.SignatureOverSealedPayload)
	for _, pd := range m.PerDeviceKeys {
		pdw := wire.NewWriter().
			PutBytes(tagPDUser, []byte(pd.User)).
			PutBytes(tagPDDevice, []byte(pd.Device)).
			PutBytes(tagPDWrapping, pd.WrappingEnvelope.Encode())
		w.PutBytes(tagMultiPerDevice, pdw.Bytes())
	}
	return w.Bytes()
}

// DecodeMulti parses an envelope previously produced by Encode.
func DecodeMulti(data []byte) (Multi, error) {
	fields, err := wire.Decode(data)
	if err != nil {
		return Multi{}, err
	}
	var m Multi
	if tag, ok := wire.Lookup(fields, tagTag); ok {
		m.Tag = string(tag)
	}
	if sealed, ok := wire.Lookup(fields, tagSealed); ok {
		m.SealedPayload = sealed
	}
	if sig, ok := wire.Lookup(fields, tagSignature); ok {
		m.SignatureOverSealedPayload = sig
	}
	for _, f := range fields {
		if f.Tag != tagMultiPerDevice {
			continue
		}
		pdFields, err := wire.Decode(f.Data)
		if err != nil {
			return Multi{}, err
		}
		user, _ := wire.Lookup(pdFields, tagPDUser)
		device, _ := wire.Lookup(pdFields, tagPDDevice)
		wrappingBytes, _ := wire.Lookup(pdFields, tagPDWrapping)
		wrapping, err := DecodeSingle(wrappingBytes)
		if err != nil {
			return Multi{}, err
		}
		m.PerDeviceKeys = append(m.PerDeviceKeys, PerDeviceKey{
			User: string(user), Device: string(device), WrappingEnvelope: wrapping,
		})
	}
	return m, nil
}
