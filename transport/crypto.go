package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"hash"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// initialSaltV1 is the version-1 Initial salt (RFC 9001 section 5.2).
var initialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

const (
	aeadTagSize            = 16
	headerProtSampleLen    = 16
	headerProtSampleOffset = 4
)

// headerProtector computes the 5-byte header-protection mask from a
// sample of ciphertext (RFC 9001 section 5.4).
type headerProtector interface {
	mask(sample []byte) ([]byte, error)
}

type aesHeaderProtector struct {
	block cipher.Block
}

func (p *aesHeaderProtector) mask(sample []byte) ([]byte, error) {
	if len(sample) < aes.BlockSize {
		return nil, errShortBuffer
	}
	out := make([]byte, aes.BlockSize)
	p.block.Encrypt(out, sample[:aes.BlockSize])
	return out, nil
}

// chachaHeaderProtector derives the mask as one block of ChaCha20
// keystream, with the sample's first four bytes as the block counter
// and the next twelve as the nonce (RFC 9001 section 5.4.4).
type chachaHeaderProtector struct {
	key []byte
}

func (p *chachaHeaderProtector) mask(sample []byte) ([]byte, error) {
	if len(sample) < 16 {
		return nil, errShortBuffer
	}
	counter := uint32(sample[0]) | uint32(sample[1])<<8 | uint32(sample[2])<<16 | uint32(sample[3])<<24
	c, err := chacha20.NewUnauthenticatedCipher(p.key, sample[4:16])
	if err != nil {
		return nil, err
	}
	c.SetCounter(counter)
	out := make([]byte, 5)
	c.XORKeyStream(out, out)
	return out, nil
}

// cryptoSuite bundles one direction's AEAD, header-protection key, and
// the static IV it combines with the packet number to form the nonce.
type cryptoSuite struct {
	aead           cipher.AEAD
	hp             headerProtector
	iv             []byte
	secret         []byte // retained so updateKey (RFC 9001 section 6) can derive the next generation
	cipherSuite    uint16
}

// cryptoPair holds the send or receive context for one epoch,
// including the short-lived previous key-phase generation retained
// until the peer's ACK confirms the new one: dropped on first ACK
// covering a packet sent in the new phase.
type cryptoPair struct {
	current  cryptoSuite
	previous *cryptoSuite
	keyPhase bool
	set      bool
}

func (p *cryptoPair) isSet() bool { return p.set }

func (p *cryptoPair) reset() { *p = cryptoPair{} }

// nonce builds the AEAD nonce for packetNumber per RFC 9001 section
// 5.3: the IV XORed with the packet number in the low bytes.
func (s *cryptoSuite) nonce(packetNumber uint64) []byte {
	n := make([]byte, len(s.iv))
	copy(n, s.iv)
	for i := 0; i < 8; i++ {
		n[len(n)-1-i] ^= byte(packetNumber >> (8 * i))
	}
	return n
}

// initialAEAD derives the Initial-epoch read/write keys for both
// client and server directions from the client's original destination
// connection ID (RFC 9001 section 5.2). Every connection uses
// AEAD_AES_128_GCM for Initial regardless of the negotiated suite.
type initialAEAD struct {
	client cryptoSuite
	server cryptoSuite
}

func (k *initialAEAD) init(clientDCID []byte) error {
	initialSecret := hkdfExtract(sha256.New, initialSaltV1, clientDCID)
	clientSecret := hkdfExpandLabel(sha256.New, initialSecret, "client in", nil, sha256.Size)
	serverSecret := hkdfExpandLabel(sha256.New, initialSecret, "server in", nil, sha256.Size)
	var err error
	if k.client, err = deriveAESGCMSuite(sha256.New, clientSecret, 16); err != nil {
		return err
	}
	if k.server, err = deriveAESGCMSuite(sha256.New, serverSecret, 16); err != nil {
		return err
	}
	return nil
}

func deriveAESGCMSuite(newHash func() hash.Hash, secret []byte, keyLen int) (cryptoSuite, error) {
	key := hkdfExpandLabel(newHash, secret, "quic key", nil, keyLen)
	iv := hkdfExpandLabel(newHash, secret, "quic iv", nil, 12)
	hpKey := hkdfExpandLabel(newHash, secret, "quic hp", nil, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return cryptoSuite{}, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return cryptoSuite{}, err
	}
	hpBlock, err := aes.NewCipher(hpKey)
	if err != nil {
		return cryptoSuite{}, err
	}
	return cryptoSuite{aead: aead, hp: &aesHeaderProtector{block: hpBlock}, iv: iv, secret: secret}, nil
}

func deriveChaChaSuite(newHash func() hash.Hash, secret []byte) (cryptoSuite, error) {
	key := hkdfExpandLabel(newHash, secret, "quic key", nil, chacha20poly1305.KeySize)
	iv := hkdfExpandLabel(newHash, secret, "quic iv", nil, chacha20poly1305.NonceSize)
	hpKey := hkdfExpandLabel(newHash, secret, "quic hp", nil, chacha20.KeySize)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return cryptoSuite{}, err
	}
	return cryptoSuite{aead: aead, hp: &chachaHeaderProtector{key: hpKey}, iv: iv, secret: secret, cipherSuite: tls.TLS_CHACHA20_POLY1305_SHA256}, nil
}

// deriveSuiteForCipherSuite derives the 1-RTT (or Handshake) AEAD/HP
// suite matching the cipher suite crypto/tls negotiated (RFC 9001
// section 5.3), from a secret already exported via tls.QUICConn.
func deriveSuiteForCipherSuite(cs uint16, secret []byte) (cryptoSuite, error) {
	switch cs {
	case tls.TLS_AES_128_GCM_SHA256:
		suite, err := deriveAESGCMSuite(sha256.New, secret, 16)
		suite.cipherSuite = cs
		return suite, err
	case tls.TLS_AES_256_GCM_SHA384:
		suite, err := deriveAESGCMSuite(sha512.New384, secret, 32)
		suite.cipherSuite = cs
		return suite, err
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return deriveChaChaSuite(sha256.New, secret)
	default:
		suite, err := deriveAESGCMSuite(sha256.New, secret, 16)
		suite.cipherSuite = cs
		return suite, err
	}
}

// updateKey derives the next key-phase generation from the current
// secret (RFC 9001 section 6).
func updateKey(cur cryptoSuite) (cryptoSuite, error) {
	newHash := sha256.New
	if len(cur.secret) == 48 {
		newHash = sha512.New384
	}
	nextSecret := hkdfExpandLabel(newHash, cur.secret, "quic ku", nil, len(cur.secret))
	if _, ok := cur.hp.(*chachaHeaderProtector); ok {
		return deriveChaChaSuite(newHash, nextSecret)
	}
	keyLen := 16
	if len(cur.secret) == 48 {
		keyLen = 32
	}
	suite, err := deriveAESGCMSuite(newHash, nextSecret, keyLen)
	suite.cipherSuite = cur.cipherSuite
	return suite, err
}

func hkdfExtract(newHash func() hash.Hash, salt, ikm []byte) []byte {
	return hkdf.Extract(newHash, ikm, salt)
}

// hkdfExpandLabel implements TLS 1.3's HKDF-Expand-Label (RFC 8446
// section 7.1) with the "tls13 " label prefix QUIC reuses verbatim
// (RFC 9001 section 5.1).
func hkdfExpandLabel(newHash func() hash.Hash, secret []byte, label string, context []byte, length int) []byte {
	info := buildHKDFLabel(label, context, length)
	out := make([]byte, length)
	r := hkdf.Expand(newHash, secret, info)
	if _, err := r.Read(out); err != nil {
		panic(err) // hkdf.Expand only fails when length exceeds 255*hashLen, a programmer error here
	}
	return out
}

func buildHKDFLabel(label string, context []byte, length int) []byte {
	full := "tls13 " + label
	b := make([]byte, 0, 2+1+len(full)+1+len(context))
	b = append(b, byte(length>>8), byte(length))
	b = append(b, byte(len(full)))
	b = append(b, full...)
	b = append(b, byte(len(context)))
	b = append(b, context...)
	return b
}

// retryIntegrityKeyV1/retryIntegrityNonceV1 are the fixed AES-128-GCM
// key and nonce used to compute a Retry packet's integrity tag (RFC
// 9001 section 5.8), constant across every connection for a given
// QUIC version.
var (
	retryIntegrityKeyV1 = []byte{
		0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a,
		0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e,
	}
	retryIntegrityNonceV1 = []byte{
		0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb,
	}
)

// verifyRetryIntegrity checks a Retry packet's trailing 16-byte
// integrity tag against the AEAD computed over the retry pseudo-packet
// (the client's original destination CID, length-prefixed, followed by
// the Retry packet's header and token, excluding the tag itself).
func verifyRetryIntegrity(b []byte, odcid []byte) bool {
	if len(b) < retryIntegrityTagLen {
		return false
	}
	block, err := aes.NewCipher(retryIntegrityKeyV1)
	if err != nil {
		return false
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return false
	}
	pseudo := make([]byte, 0, 1+len(odcid)+len(b))
	pseudo = append(pseudo, byte(len(odcid)))
	pseudo = append(pseudo, odcid...)
	pseudo = append(pseudo, b[:len(b)-retryIntegrityTagLen]...)
	tag := b[len(b)-retryIntegrityTagLen:]
	_, err = aead.Open(nil, retryIntegrityNonceV1, tag, pseudo)
	return err == nil
}

// sealPacket encrypts payload in place (RFC 9001 section 5.3) and
// appends the AEAD tag, returning the full ciphertext.
func sealPacket(suite *cryptoSuite, packetNumber uint64, header, payload []byte) []byte {
	nonce := suite.nonce(packetNumber)
	return suite.aead.Seal(payload[:0], nonce, payload, header)
}

// openPacket decrypts and authenticates an AEAD-protected payload.
func openPacket(suite *cryptoSuite, packetNumber uint64, header, ciphertext []byte) ([]byte, error) {
	nonce := suite.nonce(packetNumber)
	return suite.aead.Open(ciphertext[:0], nonce, ciphertext, header)
}

// encryptPacket combines AEAD encryption and header protection (RFC
// 9001 sections 5.3/5.4) into the single step the builder needs: seal
// the payload under header as associated data, then mask the first
// byte's low bits and the trailing pnLen packet-number bytes of header
// using a sample drawn from the resulting ciphertext. Returns the
// complete on-wire bytes (protected header followed by ciphertext).
func (s *cryptoSuite) encryptPacket(header, payload []byte, packetNumber uint64, pnLen int, longHeader bool) ([]byte, error) {
	ciphertext := sealPacket(s, packetNumber, header, payload)
	sampleOffset := 4 - pnLen
	if sampleOffset+headerProtSampleLen > len(ciphertext) {
		return nil, errShortBuffer
	}
	mask, err := s.hp.mask(ciphertext[sampleOffset : sampleOffset+headerProtSampleLen])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(header)+len(ciphertext))
	copy(out, header)
	copy(out[len(header):], ciphertext)
	if longHeader {
		out[0] ^= mask[0] & 0x0f
	} else {
		out[0] ^= mask[0] & 0x1f
	}
	pnStart := len(header) - pnLen
	for i := 0; i < pnLen; i++ {
		out[pnStart+i] ^= mask[1+i]
	}
	return out, nil
}

// decryptPacket reverses encryptPacket: given the full datagram bytes
// and the offset at which the (still-protected) packet number begins,
// it removes header protection in place, decodes the packet number,
// then authenticates and decrypts the payload.
func (s *cryptoSuite) decryptPacket(b []byte, pnOffset int, pnLen int, largestAcked int64, longHeader bool) (plaintext []byte, packetNumber uint64, hdrLen int, err error) {
	sampleStart := pnOffset + 4
	if sampleStart+headerProtSampleLen > len(b) {
		return nil, 0, 0, errShortBuffer
	}
	mask, err := s.hp.mask(b[sampleStart : sampleStart+headerProtSampleLen])
	if err != nil {
		return nil, 0, 0, err
	}
	if longHeader {
		b[0] ^= mask[0] & 0x0f
	} else {
		b[0] ^= mask[0] & 0x1f
	}
	actualPNLen := int(b[0]&headerPNLenMask) + 1
	for i := 0; i < actualPNLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
	var truncated uint64
	for i := 0; i < actualPNLen; i++ {
		truncated = truncated<<8 | uint64(b[pnOffset+i])
	}
	packetNumber = decodePacketNumberWindow(truncated, actualPNLen, largestAcked)
	hdrLen = pnOffset + actualPNLen
	plaintext, err = openPacket(s, packetNumber, b[:hdrLen], b[hdrLen:])
	return plaintext, packetNumber, hdrLen, err
}
