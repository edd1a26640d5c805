// Package endorsement encodes and decodes the two TLV records carried on
// update_add_htlc that communicate a htlc's accountability signal between
// peers: whether the sender endorsed the htlc, and whether a forwarding node
// is permitted to upgrade an unendorsed signal to endorsed. This is a
// boundary codec only -- the reputation manager itself never imports this
// package, it operates purely on the decoded reputation.EndorsementSignal and
// bool values a caller hands it.
package endorsement

import (
	"bytes"
	"io"

	"github.com/lightningnetwork/lnd/tlv"

	"github.com/lightninglabs/lnd-reputation/reputation"
)

const (
	// TypeAccountability is the TLV type carrying the endorsement signal
	// on update_add_htlc.
	TypeAccountability tlv.Type = 106823

	// TypeUpgradable is the TLV type carrying whether a forwarding node
	// is permitted to upgrade an unendorsed signal to endorsed.
	TypeUpgradable tlv.Type = 106825
)

// EncodeAccountability serializes signal as the accountability TLV record.
func EncodeAccountability(signal reputation.EndorsementSignal) ([]byte, error) {
	val := signalToByte(signal)

	record := tlv.MakePrimitiveRecord(TypeAccountability, &val)
	stream, err := tlv.NewStream(record)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeAccountability parses the accountability TLV record out of r,
// returning ok=false if the record is absent (the peer did not set the
// field, which is a valid and common case -- absence means Unendorsed).
func DecodeAccountability(r io.Reader) (signal reputation.EndorsementSignal, ok bool, err error) {
	var val uint8
	record := tlv.MakePrimitiveRecord(TypeAccountability, &val)

	stream, err := tlv.NewStream(record)
	if err != nil {
		return 0, false, err
	}

	parsedTypes, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return 0, false, err
	}

	if _, present := parsedTypes[TypeAccountability]; !present {
		return reputation.Unendorsed, false, nil
	}

	return byteToSignal(val), true, nil
}

// EncodeUpgradable serializes upgradable as the upgradable TLV record.
func EncodeUpgradable(upgradable bool) ([]byte, error) {
	val := boolToByte(upgradable)

	record := tlv.MakePrimitiveRecord(TypeUpgradable, &val)
	stream, err := tlv.NewStream(record)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeUpgradable parses the upgradable TLV record out of r. Absence of the
// record is treated as upgradable=false, per spec.md's rule that a modified
// or missing upgradable signal must be treated the same as an explicit
// false.
func DecodeUpgradable(r io.Reader) (upgradable bool, err error) {
	var val uint8
	record := tlv.MakePrimitiveRecord(TypeUpgradable, &val)

	stream, err := tlv.NewStream(record)
	if err != nil {
		return false, err
	}

	parsedTypes, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return false, err
	}

	if _, present := parsedTypes[TypeUpgradable]; !present {
		return false, nil
	}

	return val == 1, nil
}

func signalToByte(signal reputation.EndorsementSignal) uint8 {
	if signal == reputation.Endorsed {
		return 1
	}
	return 0
}

func byteToSignal(val uint8) reputation.EndorsementSignal {
	if val == 1 {
		return reputation.Endorsed
	}
	return reputation.Unendorsed
}

func boolToByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
