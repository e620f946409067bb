package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/swarmguard/cis/internal/cerr"
)

// writeHandshakeFrame writes [u8 type][u32 BE len][payload].
func writeHandshakeFrame(nc net.Conn, msgType byte, payload []byte) error {
	if len(payload) > MaxHandshakeMsg {
		return cerr.New(cerr.P2P, "transport.writeHandshakeFrame", fmt.Errorf("payload %d exceeds max %d", len(payload), MaxHandshakeMsg))
	}
	hdr := make([]byte, 5)
	hdr[0] = msgType
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := nc.Write(hdr); err != nil {
		return cerr.New(cerr.P2P, "transport.writeHandshakeFrame", err)
	}
	if len(payload) > 0 {
		if _, err := nc.Write(payload); err != nil {
			return cerr.New(cerr.P2P, "transport.writeHandshakeFrame", err)
		}
	}
	return nil
}

// readHandshakeFrame reads one [u8 type][u32 BE len][payload] frame.
func readHandshakeFrame(nc net.Conn) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(nc, hdr); err != nil {
		return 0, nil, cerr.New(cerr.P2P, "transport.readHandshakeFrame", err)
	}
	msgType := hdr[0]
	if msgType == msgTypeError {
		return msgType, nil, cerr.New(cerr.P2P, "transport.readHandshakeFrame", fmt.Errorf("peer reported handshake error"))
	}
	if msgType < msgTypeE || msgType > msgTypeComplete {
		return 0, nil, cerr.New(cerr.P2P, "transport.readHandshakeFrame", fmt.Errorf("invalid message type 0x%02x", msgType))
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > MaxHandshakeMsg {
		return 0, nil, cerr.New(cerr.P2P, "transport.readHandshakeFrame", fmt.Errorf("frame length %d exceeds max %d", length, MaxHandshakeMsg))
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(nc, payload); err != nil {
			return 0, nil, cerr.New(cerr.P2P, "transport.readHandshakeFrame", err)
		}
	}
	return msgType, payload, nil
}

// writeAEADFrame writes one [u32 BE len][ciphertext] application frame.
func writeAEADFrame(nc net.Conn, ciphertext []byte) error {
	if len(ciphertext) > MaxFrame {
		return cerr.New(cerr.P2P, "transport.writeAEADFrame", fmt.Errorf("ciphertext %d exceeds max frame %d", len(ciphertext), MaxFrame))
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(ciphertext)))
	if _, err := nc.Write(hdr); err != nil {
		return cerr.New(cerr.P2P, "transport.writeAEADFrame", err)
	}
	if _, err := nc.Write(ciphertext); err != nil {
		return cerr.New(cerr.P2P, "transport.writeAEADFrame", err)
	}
	return nil
}

// readAEADFrame reads one [u32 BE len][ciphertext] frame. A short read on
// the ciphertext body is a hard failure.
func readAEADFrame(nc net.Conn) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(nc, hdr); err != nil {
		return nil, cerr.New(cerr.P2P, "transport.readAEADFrame", err)
	}
	length := binary.BigEndian.Uint32(hdr)
	if length > MaxFrame {
		return nil, cerr.New(cerr.P2P, "transport.readAEADFrame", fmt.Errorf("frame length %d exceeds max frame %d", length, MaxFrame))
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(nc, buf); err != nil {
		return nil, cerr.New(cerr.P2P, "transport.readAEADFrame", err)
	}
	return buf, nil
}

// sendEncrypted chunks plaintext into ≤maxChunkPlaintext pieces, sends the
// chunk count as its own encrypted frame, then each chunk as its own
// length-prefixed ciphertext frame.
func sendEncrypted(nc net.Conn, cs cipherState, plaintext []byte) error {
	chunks := chunkPlaintext(plaintext)

	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(chunks)))
	if err := writeAEADFrame(nc, cs.Encrypt(nil, nil, countBuf)); err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := writeAEADFrame(nc, cs.Encrypt(nil, nil, chunk)); err != nil {
			return err
		}
	}
	return nil
}

// recvEncrypted reads an encrypted chunk-count frame followed by that many
// chunk frames, decrypting and reassembling the plaintext.
func recvEncrypted(nc net.Conn, cs cipherState) ([]byte, error) {
	countCipher, err := readAEADFrame(nc)
	if err != nil {
		return nil, err
	}
	countBuf, err := cs.Decrypt(nil, nil, countCipher)
	if err != nil {
		return nil, cerr.New(cerr.Crypto, "transport.recvEncrypted", err)
	}
	if len(countBuf) != 4 {
		return nil, cerr.New(cerr.P2P, "transport.recvEncrypted", fmt.Errorf("malformed chunk-count frame"))
	}
	count := binary.BigEndian.Uint32(countBuf)

	var out []byte
	for i := uint32(0); i < count; i++ {
		chunkCipher, err := readAEADFrame(nc)
		if err != nil {
			return nil, err
		}
		chunk, err := cs.Decrypt(nil, nil, chunkCipher)
		if err != nil {
			return nil, cerr.New(cerr.Crypto, "transport.recvEncrypted", err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func chunkPlaintext(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := maxChunkPlaintext
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// Send encrypts and sends an application message over the ready connection.
func (c *Conn) Send(plaintext []byte) error {
	c.mu.Lock()
	ready := c.state == StateReady
	cs := c.sendCS
	c.mu.Unlock()
	if !ready {
		return cerr.New(cerr.P2P, "transport.Send", fmt.Errorf("connection not ready"))
	}
	if err := sendEncrypted(c.nc, cs, plaintext); err != nil {
		return cerr.New(cerr.P2P, "transport.Send", err)
	}
	return nil
}

// Recv decrypts and returns the next application message.
func (c *Conn) Recv() ([]byte, error) {
	c.mu.Lock()
	ready := c.state == StateReady
	cs := c.recvCS
	c.mu.Unlock()
	if !ready {
		return nil, cerr.New(cerr.P2P, "transport.Recv", fmt.Errorf("connection not ready"))
	}
	out, err := recvEncrypted(c.nc, cs)
	if err != nil {
		return nil, cerr.New(cerr.P2P, "transport.Recv", err)
	}
	return out, nil
}
