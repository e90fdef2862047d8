package encryptfs

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FSConfig is the on-disk FS configuration record, persisted as
// .encfs6.xml at the ciphertext root (§3 "FS configuration", §6 "On-disk
// config"). Interfaces are stored as their "name,major,minor" triple.
type FSConfig struct {
	CipherAlg Interface
	NameAlg   Interface

	KeySize    int // bits
	BlockSize  int // bytes
	UniqueIV   bool
	ChainedIV  bool
	ExternalIV bool
	MACBytes   int
	RandBytes  int
	AllowHoles bool
	Reverse    bool

	EncodedKeyData []byte // master key wrapped under the password-derived KEK
	SaltData       []byte

	KDFIterations      int
	DesiredKDFDuration time.Duration
}

// xmlInterface mirrors Interface's "name,major,minor" wire form.
type xmlInterface struct {
	Name  string `xml:"name,attr"`
	Major int    `xml:"major,attr"`
	Minor int    `xml:"minor,attr"`
}

func toXMLInterface(i Interface) xmlInterface {
	return xmlInterface{Name: i.Name, Major: i.Current, Minor: i.Revision}
}

func (x xmlInterface) toInterface(age int) Interface {
	return Interface{Name: x.Name, Current: x.Major, Revision: x.Minor, Age: age}
}

// xmlConfig is the encoding/xml shape of the <EncFS> document.
type xmlConfig struct {
	XMLName xml.Name `xml:"EncFS"`

	CipherAlg xmlInterface `xml:"cipherAlg"`
	NameAlg   xmlInterface `xml:"nameAlg"`

	KeySize    int `xml:"keySize"`
	BlockSize  int `xml:"blockSize"`
	UniqueIV   int `xml:"uniqueIV"`
	ChainedIV  int `xml:"chainedNameIV"`
	ExternalIV int `xml:"externalIVChaining"`

	BlockMACBytes     int `xml:"blockMACBytes"`
	BlockMACRandBytes int `xml:"blockMACRandBytes"`
	AllowHoles        int `xml:"allowHoles"`

	EncodedKeySize int    `xml:"encodedKeySize"`
	EncodedKeyData string `xml:"encodedKeyData"`

	SaltLen  int    `xml:"saltLen"`
	SaltData string `xml:"saltData"`

	KDFIterations      int   `xml:"kdfIterations"`
	DesiredKDFDuration int64 `xml:"desiredKDFDuration"`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MarshalXML serializes the config into the .encfs6.xml document format.
func (c *FSConfig) MarshalXML() ([]byte, error) {
	x := xmlConfig{
		CipherAlg:          toXMLInterface(c.CipherAlg),
		NameAlg:            toXMLInterface(c.NameAlg),
		KeySize:            c.KeySize,
		BlockSize:          c.BlockSize,
		UniqueIV:           boolToInt(c.UniqueIV),
		ChainedIV:          boolToInt(c.ChainedIV),
		ExternalIV:         boolToInt(c.ExternalIV),
		BlockMACBytes:      c.MACBytes,
		BlockMACRandBytes:  c.RandBytes,
		AllowHoles:         boolToInt(c.AllowHoles),
		EncodedKeySize:     len(c.EncodedKeyData),
		EncodedKeyData:     base64.StdEncoding.EncodeToString(c.EncodedKeyData),
		SaltLen:            len(c.SaltData),
		SaltData:           base64.StdEncoding.EncodeToString(c.SaltData),
		KDFIterations:      c.KDFIterations,
		DesiredKDFDuration: c.DesiredKDFDuration.Milliseconds(),
	}
	out, err := xml.MarshalIndent(x, "", "  ")
	if err != nil {
		return nil, NewValidationError("config", nil, "failed to marshal XML: "+err.Error())
	}
	return append([]byte(xml.Header), out...), nil
}

// UnmarshalXMLConfig parses a .encfs6.xml document into an FSConfig. The
// "current-age" interval used to reconstruct each Interface's Age is
// approximated at 2, matching the compiled-in Age of the two backends
// this repo ships (cipheralgorithm.go); a config written by an older or
// newer build of this same codebase round-trips regardless, since
// Compatible() only needs Age to bound the acceptable Current range.
func UnmarshalXMLConfig(data []byte) (*FSConfig, error) {
	var x xmlConfig
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, NewValidationError("config", nil, "failed to parse XML: "+err.Error())
	}

	keyData, err := base64.StdEncoding.DecodeString(x.EncodedKeyData)
	if err != nil {
		return nil, NewValidationError("encodedKeyData", nil, "invalid base64")
	}
	saltData, err := base64.StdEncoding.DecodeString(x.SaltData)
	if err != nil {
		return nil, NewValidationError("saltData", nil, "invalid base64")
	}

	return &FSConfig{
		CipherAlg:          x.CipherAlg.toInterface(2),
		NameAlg:            x.NameAlg.toInterface(2),
		KeySize:            x.KeySize,
		BlockSize:          x.BlockSize,
		UniqueIV:           x.UniqueIV != 0,
		ChainedIV:          x.ChainedIV != 0,
		ExternalIV:         x.ExternalIV != 0,
		MACBytes:           x.BlockMACBytes,
		RandBytes:          x.BlockMACRandBytes,
		AllowHoles:         x.AllowHoles != 0,
		EncodedKeyData:     keyData,
		SaltData:           saltData,
		KDFIterations:      x.KDFIterations,
		DesiredKDFDuration: time.Duration(x.DesiredKDFDuration) * time.Millisecond,
	}, nil
}

// -- Legacy binary TLV format --------------------------------------------
//
// Grounded on original_source/encfs/ConfigVar.cpp: a varint-prefixed
// key/value store, kept only so this repo can read configs produced by
// the legacy tool; new configs are always written as XML.

func writeVarint(buf []byte, v uint64) []byte {
	var tmp [5]byte
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		tmp[n] = b
		n++
		if v == 0 || n == 5 {
			break
		}
	}
	// original_source encodes most-significant group first with the
	// continuation bit on every byte but the last.
	for i := n - 1; i >= 0; i-- {
		b := tmp[i]
		if i != 0 {
			b |= 0x80
		} else {
			b &^= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

func readVarint(data []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(data) && i < 5; i++ {
		v = (v << 7) | uint64(data[i]&0x7f)
		if data[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, NewCorruptionError("", "truncated or malformed varint")
}

func writeVarString(buf []byte, s string) []byte {
	buf = writeVarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readVarString(data []byte) (string, int, error) {
	l, n, err := readVarint(data)
	if err != nil {
		return "", 0, err
	}
	if n+int(l) > len(data) {
		return "", 0, NewCorruptionError("", "truncated string value")
	}
	return string(data[n : n+int(l)]), n + int(l), nil
}

// legacyKeys is the fixed set of field names read from a legacy binary
// config, matching the XML field names for a single translation table.
var legacyKeys = []string{
	"cipherAlg", "nameAlg", "keySize", "blockSize", "uniqueIV", "chainedNameIV",
	"externalIVChaining", "blockMACBytes", "blockMACRandBytes", "allowHoles",
	"encodedKeyData", "saltData", "kdfIterations", "desiredKDFDuration",
}

// MarshalLegacyBinary serializes the config as a legacy [count]{key,value}*
// varint TLV stream. Provided for completeness of the legacy format
// (writing new configs uses MarshalXML exclusively per §6).
func (c *FSConfig) MarshalLegacyBinary() []byte {
	values := map[string]string{
		"cipherAlg":           c.CipherAlg.String(),
		"nameAlg":             c.NameAlg.String(),
		"keySize":             strconv.Itoa(c.KeySize),
		"blockSize":           strconv.Itoa(c.BlockSize),
		"uniqueIV":            strconv.Itoa(boolToInt(c.UniqueIV)),
		"chainedNameIV":       strconv.Itoa(boolToInt(c.ChainedIV)),
		"externalIVChaining":  strconv.Itoa(boolToInt(c.ExternalIV)),
		"blockMACBytes":       strconv.Itoa(c.MACBytes),
		"blockMACRandBytes":   strconv.Itoa(c.RandBytes),
		"allowHoles":          strconv.Itoa(boolToInt(c.AllowHoles)),
		"encodedKeyData":      base64.StdEncoding.EncodeToString(c.EncodedKeyData),
		"saltData":            base64.StdEncoding.EncodeToString(c.SaltData),
		"kdfIterations":       strconv.Itoa(c.KDFIterations),
		"desiredKDFDuration":  strconv.FormatInt(c.DesiredKDFDuration.Milliseconds(), 10),
	}

	var buf []byte
	buf = writeVarint(buf, uint64(len(legacyKeys)))
	for _, k := range legacyKeys {
		buf = writeVarString(buf, k)
		buf = writeVarString(buf, values[k])
	}
	return buf
}

// UnmarshalLegacyBinary parses a legacy binary config produced by
// MarshalLegacyBinary (or the original tool's ConfigVar writer).
func UnmarshalLegacyBinary(data []byte) (*FSConfig, error) {
	count, n, err := readVarint(data)
	if err != nil {
		return nil, err
	}
	data = data[n:]

	values := make(map[string]string, count)
	for i := uint64(0); i < count; i++ {
		key, kn, err := readVarString(data)
		if err != nil {
			return nil, err
		}
		data = data[kn:]
		val, vn, err := readVarString(data)
		if err != nil {
			return nil, err
		}
		data = data[vn:]
		values[key] = val
	}

	atoi := func(k string) int {
		v, _ := strconv.Atoi(values[k])
		return v
	}
	parseInterface := func(s string) Interface {
		parts := strings.Split(s, ",")
		if len(parts) != 3 {
			return Interface{}
		}
		cur, _ := strconv.Atoi(parts[1])
		rev, _ := strconv.Atoi(parts[2])
		return Interface{Name: parts[0], Current: cur, Revision: rev, Age: 2}
	}
	decode := func(k string) []byte {
		b, _ := base64.StdEncoding.DecodeString(values[k])
		return b
	}

	kdfMS, _ := strconv.ParseInt(values["desiredKDFDuration"], 10, 64)

	return &FSConfig{
		CipherAlg:          parseInterface(values["cipherAlg"]),
		NameAlg:            parseInterface(values["nameAlg"]),
		KeySize:            atoi("keySize"),
		BlockSize:          atoi("blockSize"),
		UniqueIV:           atoi("uniqueIV") != 0,
		ChainedIV:          atoi("chainedNameIV") != 0,
		ExternalIV:         atoi("externalIVChaining") != 0,
		MACBytes:           atoi("blockMACBytes"),
		RandBytes:          atoi("blockMACRandBytes"),
		AllowHoles:         atoi("allowHoles") != 0,
		EncodedKeyData:     decode("encodedKeyData"),
		SaltData:           decode("saltData"),
		KDFIterations:      atoi("kdfIterations"),
		DesiredKDFDuration: time.Duration(kdfMS) * time.Millisecond,
	}, nil
}

// Validate checks internal consistency of a parsed FSConfig.
func (c *FSConfig) Validate() error {
	if c.BlockSize <= 0 {
		return NewValidationError("BlockSize", c.BlockSize, "must be positive")
	}
	if c.MACBytes < 0 || c.MACBytes > 8 {
		return NewValidationError("MACBytes", c.MACBytes, "must be in [0,8]")
	}
	if c.KeySize <= 0 {
		return NewValidationError("KeySize", c.KeySize, "must be positive")
	}
	if len(c.EncodedKeyData) == 0 {
		return NewValidationError("EncodedKeyData", nil, "missing wrapped master key")
	}
	if len(c.SaltData) == 0 {
		return NewValidationError("SaltData", nil, "missing salt")
	}
	return nil
}

func (c *FSConfig) String() string {
	return fmt.Sprintf("FSConfig{cipher=%s name=%s block=%d mac=%d unique=%v chained=%v}",
		c.CipherAlg, c.NameAlg, c.BlockSize, c.MACBytes, c.UniqueIV, c.ChainedIV)
}
