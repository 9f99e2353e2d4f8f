package protocol

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Control packet types (upper nibble of the fixed header).
const (
	packetConnect    byte = 1
	packetConnack    byte = 2
	packetPublish    byte = 3
	packetSubscribe  byte = 8
	packetSuback     byte = 9
	packetDisconnect byte = 14
)

const (
	protocolName  = "MQTT"
	protocolLevel = 0x04
	// username + password + clean session
	connectFlags = 0xC2

	maxRemainingLength = 268435455
)

var errMalformedLength = errors.New("malformed remaining length")

type packet struct {
	kind  byte
	flags byte
	body  []byte
}

type publish struct {
	topic    string
	qos      byte
	packetID uint16
	payload  []byte
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func encodeRemainingLength(n int) []byte {
	var out []byte
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		out = append(out, digit)
		if n == 0 {
			return out
		}
	}
}

func frame(header byte, body []byte) []byte {
	out := []byte{header}
	out = append(out, encodeRemainingLength(len(body))...)
	return append(out, body...)
}

func encodeConnect(clientID, username, password string, keepAlive uint16) []byte {
	body := appendString(nil, protocolName)
	body = append(body, protocolLevel, connectFlags)
	body = binary.BigEndian.AppendUint16(body, keepAlive)
	body = appendString(body, clientID)
	body = appendString(body, username)
	body = appendString(body, password)
	return frame(packetConnect<<4, body)
}

// encodeSubscribe builds a single-topic SUBSCRIBE. The fixed header carries
// the reserved flag bits 0b0010.
func encodeSubscribe(packetID uint16, topic string, qos byte) []byte {
	body := binary.BigEndian.AppendUint16(nil, packetID)
	body = appendString(body, topic)
	body = append(body, qos)
	return frame(packetSubscribe<<4|0x02, body)
}

// encodePublish builds a QoS 0 PUBLISH without DUP or RETAIN.
func encodePublish(topic string, payload []byte) []byte {
	body := appendString(nil, topic)
	body = append(body, payload...)
	return frame(packetPublish<<4, body)
}

func encodeDisconnect() []byte {
	return []byte{packetDisconnect << 4, 0x00}
}

func randomPacketID() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate packet id: %w", err)
	}
	id := binary.BigEndian.Uint16(b[:])
	if id == 0 {
		id = 1
	}
	return id, nil
}

func readRemainingLength(r io.ByteReader) (int, error) {
	var value, multiplier int = 0, 1
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errMalformedLength
}

func readPacket(r *bufio.Reader) (packet, error) {
	header, err := r.ReadByte()
	if err != nil {
		return packet{}, err
	}
	length, err := readRemainingLength(r)
	if err != nil {
		return packet{}, err
	}
	if length > maxRemainingLength {
		return packet{}, errMalformedLength
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, err
	}
	return packet{kind: header >> 4, flags: header & 0x0F, body: body}, nil
}

func parsePublish(p packet) (publish, error) {
	if p.kind != packetPublish {
		return publish{}, fmt.Errorf("not a publish packet: type %d", p.kind)
	}
	if len(p.body) < 2 {
		return publish{}, errors.New("publish packet too short")
	}

	topicLen := int(binary.BigEndian.Uint16(p.body))
	offset := 2 + topicLen
	if len(p.body) < offset {
		return publish{}, errors.New("publish topic exceeds packet")
	}

	msg := publish{
		topic: string(p.body[2:offset]),
		qos:   (p.flags >> 1) & 0x03,
	}
	if msg.qos > 0 {
		if len(p.body) < offset+2 {
			return publish{}, errors.New("publish packet id missing")
		}
		msg.packetID = binary.BigEndian.Uint16(p.body[offset:])
		offset += 2
	}
	msg.payload = p.body[offset:]
	return msg, nil
}
