package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/opd-ai/waweb/limits"
)

// Channel seals and opens post-handshake frames for one session.
//
// Frame layout:
//
//	counter (8, big endian) || HMAC-SHA256(mac key, counter || iv || ciphertext) (32) || iv (16) || ciphertext
//
// The ciphertext is AES-256-CBC over the PKCS#7 padded plaintext. Each
// direction keeps its own counter, starting at zero for every new channel.
// Seal and Open may run concurrently with each other; calls in the same
// direction are serialized.
type Channel struct {
	sendMu  sync.Mutex
	sendSeq uint64
	encKey  [32]byte
	sendMAC [32]byte
	enc     cipher.Block

	recvMu  sync.Mutex
	recvSeq uint64
	decKey  [32]byte
	recvMAC [32]byte
	dec     cipher.Block

	closeOnce sync.Once
	closed    chan struct{}
	rand      io.Reader
}

// newChannel takes ownership of keys and wipes the originals.
func newChannel(keys *SessionKeys) (*Channel, error) {
	c := &Channel{
		encKey:  keys.encKey,
		sendMAC: keys.sendMAC,
		decKey:  keys.decKey,
		recvMAC: keys.recvMAC,
		closed:  make(chan struct{}),
		rand:    rand.Reader,
	}
	keys.wipe()

	var err error
	if c.enc, err = aes.NewCipher(c.encKey[:]); err != nil {
		return nil, fmt.Errorf("init send cipher: %w", err)
	}
	if c.dec, err = aes.NewCipher(c.decKey[:]); err != nil {
		return nil, fmt.Errorf("init receive cipher: %w", err)
	}
	return c, nil
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Seal authenticates and encrypts one plaintext frame.
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) > limits.MaxNodeSize {
		return nil, fmt.Errorf("seal: %w: plaintext size %d exceeds limit %d", limits.ErrFrameTooLarge, len(plaintext), limits.MaxNodeSize)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosed() {
		return nil, ErrChannelClosed
	}

	frame := make([]byte, limits.SealedSize(len(plaintext)))
	binary.BigEndian.PutUint64(frame[:limits.CounterSize], c.sendSeq)
	ivStart := limits.CounterSize + limits.MACSize
	iv := frame[ivStart : ivStart+limits.IVSize]
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, fmt.Errorf("seal: generate iv: %w", err)
	}

	body := frame[limits.FrameOverhead:]
	copy(body, plaintext)
	pad := byte(len(body) - len(plaintext))
	for i := len(plaintext); i < len(body); i++ {
		body[i] = pad
	}
	cipher.NewCBCEncrypter(c.enc, iv).CryptBlocks(body, body)

	mac := frameMAC(c.sendMAC[:], frame)
	copy(frame[limits.CounterSize:ivStart], mac)

	c.sendSeq++
	return frame, nil
}

// Open verifies and decrypts one sealed frame. The MAC is checked in
// constant time before any ciphertext is decrypted; the counter must equal
// the next expected value. A rejected frame leaves the channel state unchanged.
func (c *Channel) Open(frame []byte) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.isClosed() {
		return nil, ErrChannelClosed
	}

	if len(frame) < limits.MinSealedFrame || (len(frame)-limits.FrameOverhead)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: invalid frame length %d", ErrAuthenticationFailed, len(frame))
	}
	ivStart := limits.CounterSize + limits.MACSize
	expected := frameMAC(c.recvMAC[:], frame)
	if !hmac.Equal(expected, frame[limits.CounterSize:ivStart]) {
		return nil, fmt.Errorf("%w: integrity tag mismatch", ErrAuthenticationFailed)
	}

	counter := binary.BigEndian.Uint64(frame[:limits.CounterSize])
	if counter != c.recvSeq {
		return nil, fmt.Errorf("%w: counter %d, expected %d", ErrReplayOrOrder, counter, c.recvSeq)
	}

	iv := frame[ivStart:limits.FrameOverhead]
	body := make([]byte, len(frame)-limits.FrameOverhead)
	cipher.NewCBCDecrypter(c.dec, iv).CryptBlocks(body, frame[limits.FrameOverhead:])

	plaintext, err := unpad(body)
	if err != nil {
		return nil, err
	}
	c.recvSeq++
	return plaintext, nil
}

// Counters returns the next send and receive counters.
func (c *Channel) Counters() (send, recv uint64) {
	c.sendMu.Lock()
	send = c.sendSeq
	c.sendMu.Unlock()
	c.recvMu.Lock()
	recv = c.recvSeq
	c.recvMu.Unlock()
	return send, recv
}

// Close wipes the key material. Later Seal and Open calls fail with ErrChannelClosed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.recvMu.Lock()
		close(c.closed)
		wipeKey(&c.encKey)
		wipeKey(&c.sendMAC)
		wipeKey(&c.decKey)
		wipeKey(&c.recvMAC)
		c.enc, c.dec = nil, nil
		c.recvMu.Unlock()
		c.sendMu.Unlock()
		logger("Close").Debug("Channel keys wiped")
	})
	return nil
}

func frameMAC(key, frame []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(frame[:limits.CounterSize])
	mac.Write(frame[limits.CounterSize+limits.MACSize:])
	return mac.Sum(nil)
}

// unpad strips PKCS#7 padding. The MAC has already been verified, so a bad
// pad means the peer used different keys.
func unpad(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrAuthenticationFailed)
	}
	pad := int(body[len(body)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(body) {
		return nil, fmt.Errorf("%w: invalid padding", ErrAuthenticationFailed)
	}
	for _, b := range body[len(body)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: invalid padding", ErrAuthenticationFailed)
		}
	}
	return body[:len(body)-pad], nil
}
