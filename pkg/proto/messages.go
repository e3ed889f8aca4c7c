// Package proto defines the casmesh wire messages exchanged between storage
// clients, proxies and the storage server.
package proto

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/casmesh/casmesh/pkg/cas"
)

// ProtocolVersion must match exactly between client and server.
const ProtocolVersion uint16 = 4

// MsgType identifies a request.
type MsgType byte

const (
	MsgConnect      MsgType = 0x01
	MsgExists       MsgType = 0x02
	MsgFetchBegin   MsgType = 0x10
	MsgFetchSegment MsgType = 0x11
	MsgFetchEnd     MsgType = 0x12
	MsgStoreBegin   MsgType = 0x20
	MsgStoreSegment MsgType = 0x21
	MsgStoreEnd     MsgType = 0x22
)

func (t MsgType) String() string {
	switch t {
	case MsgConnect:
		return "Connect"
	case MsgExists:
		return "ExistsOnServer"
	case MsgFetchBegin:
		return "FetchBegin"
	case MsgFetchSegment:
		return "FetchSegment"
	case MsgFetchEnd:
		return "FetchEnd"
	case MsgStoreBegin:
		return "StoreBegin"
	case MsgStoreSegment:
		return "StoreSegment"
	case MsgStoreEnd:
		return "StoreEnd"
	default:
		return fmt.Sprintf("MsgType(0x%02x)", byte(t))
	}
}

// Transfer id sentinels. Usable ids are 1..0xFFFE.
const (
	TransferFailed   uint16 = 0
	TransferComplete uint16 = 0xFFFF
)

// Message size limits. The message size is the payload capacity the server
// announces on Connect; segment data is that minus SegmentOverhead.
const (
	DefaultMessageSize = 64 << 10
	MinMessageSize     = 4 << 10
	MaxMessageSize     = 16 << 20
	SegmentOverhead    = 64

	MaxNameLen      = 255
	MaxZoneLen      = 255
	MaxHintLen      = 1024
	MaxHostLen      = 255
	MaxLocalAddrs   = 16
	MaxLocalAddrLen = 64
)

// SegmentSize returns the number of content bytes carried per segment for a
// given message size.
func SegmentSize(messageSize int) int {
	return messageSize - SegmentOverhead
}

// MaxFrameSize bounds any single encoded message for a given message size.
// StoreBegin carries a hint next to a full segment and is the largest.
func MaxFrameSize(messageSize int) int {
	return messageSize + MaxHintLen + SegmentOverhead
}

// SegmentCount returns how many segments content of size bytes spans. Empty
// content still occupies one (empty) segment.
func SegmentCount(size uint64, segmentSize int) int {
	if size == 0 {
		return 1
	}
	return int((size + uint64(segmentSize) - 1) / uint64(segmentSize))
}

// ConnectRequest opens a session.
type ConnectRequest struct {
	Name            string
	ProtocolVersion uint16
	IsProxy         bool
	ProxyPort       uint16
	Zone            string
	SizeHint        uint64
	LocalAddresses  []string
}

func (m *ConnectRequest) Append(b []byte) []byte {
	e := NewEncoder(b)
	e.String(m.Name)
	e.U16(m.ProtocolVersion)
	e.Bool(m.IsProxy)
	e.U16(m.ProxyPort)
	e.String(m.Zone)
	e.U64(m.SizeHint)
	addrs := m.LocalAddresses
	if len(addrs) > MaxLocalAddrs {
		addrs = addrs[:MaxLocalAddrs]
	}
	e.U8(byte(len(addrs)))
	for _, a := range addrs {
		e.String(a)
	}
	return e.Buf()
}

func (m *ConnectRequest) Decode(b []byte) error {
	d := NewDecoder(b)
	m.Name = d.String(MaxNameLen)
	m.ProtocolVersion = d.U16()
	m.IsProxy = d.Bool()
	m.ProxyPort = d.U16()
	m.Zone = d.String(MaxZoneLen)
	m.SizeHint = d.U64()
	n := int(d.U8())
	if n > MaxLocalAddrs {
		return cas.Errorf(cas.ErrProtocol, "decode", cas.ZeroKey, "%d local addresses exceeds limit %d", n, MaxLocalAddrs)
	}
	m.LocalAddresses = nil
	for i := 0; i < n && d.Err() == nil; i++ {
		m.LocalAddresses = append(m.LocalAddresses, d.String(MaxLocalAddrLen))
	}
	return d.Finish()
}

// ConnectResponse carries the server's session parameters.
type ConnectResponse struct {
	ServerID         uuid.UUID
	CompressorID     byte
	CompressionLevel byte
	MessageSize      uint32
}

func (m *ConnectResponse) Append(b []byte) []byte {
	e := NewEncoder(b)
	e.Raw(m.ServerID[:])
	e.U8(m.CompressorID)
	e.U8(m.CompressionLevel)
	e.U32(m.MessageSize)
	return e.Buf()
}

func (m *ConnectResponse) Decode(b []byte) error {
	d := NewDecoder(b)
	for i := range m.ServerID {
		m.ServerID[i] = d.U8()
	}
	m.CompressorID = d.U8()
	m.CompressionLevel = d.U8()
	m.MessageSize = d.U32()
	if err := d.Finish(); err != nil {
		return err
	}
	if m.MessageSize < MinMessageSize || m.MessageSize > MaxMessageSize {
		return cas.Errorf(cas.ErrProtocol, "decode", cas.ZeroKey, "message size %d out of range", m.MessageSize)
	}
	return nil
}

// KeyRequest is the body of ExistsOnServer, FetchEnd and StoreEnd.
type KeyRequest struct {
	Key cas.Key
}

func (m *KeyRequest) Append(b []byte) []byte {
	e := NewEncoder(b)
	e.Key(m.Key)
	return e.Buf()
}

func (m *KeyRequest) Decode(b []byte) error {
	d := NewDecoder(b)
	m.Key = d.Key()
	return d.Finish()
}

// ExistsResponse answers ExistsOnServer.
type ExistsResponse struct {
	Exists bool
}

func (m *ExistsResponse) Append(b []byte) []byte {
	e := NewEncoder(b)
	e.Bool(m.Exists)
	return e.Buf()
}

func (m *ExistsResponse) Decode(b []byte) error {
	d := NewDecoder(b)
	m.Exists = d.Bool()
	return d.Finish()
}

// FetchBeginRequest asks for content by key.
type FetchBeginRequest struct {
	WantsProxy bool
	Key        cas.Key
	Hint       string
}

func (m *FetchBeginRequest) Append(b []byte) []byte {
	e := NewEncoder(b)
	e.Bool(m.WantsProxy)
	e.Key(m.Key)
	e.String(m.Hint)
	return e.Buf()
}

func (m *FetchBeginRequest) Decode(b []byte) error {
	d := NewDecoder(b)
	m.WantsProxy = d.Bool()
	m.Key = d.Key()
	m.Hint = d.String(MaxHintLen)
	return d.Finish()
}

// ProxyAssignment redirects a fetch to a zone proxy. IsNew tells the
// requester that it has just become the proxy for its zone.
type ProxyAssignment struct {
	IsNew bool
	Host  string
	Port  uint16
}

// Address returns host:port.
func (p *ProxyAssignment) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

const (
	fetchKindData  = 0
	fetchKindProxy = 1

	flagCompressed = 1 << 0
	flagTraced     = 1 << 1
)

// FetchBeginResponse is either a proxy assignment or the first chunk of the
// content. TransferID is TransferComplete when Data holds everything.
type FetchBeginResponse struct {
	Proxy      *ProxyAssignment
	TransferID uint16
	TotalSize  uint64
	Compressed bool
	Traced     bool
	Data       []byte
}

func (m *FetchBeginResponse) Append(b []byte) []byte {
	e := NewEncoder(b)
	if m.Proxy != nil {
		e.U8(fetchKindProxy)
		e.Bool(m.Proxy.IsNew)
		e.String(m.Proxy.Host)
		e.U16(m.Proxy.Port)
		return e.Buf()
	}
	e.U8(fetchKindData)
	e.U16(m.TransferID)
	e.U64(m.TotalSize)
	var flags byte
	if m.Compressed {
		flags |= flagCompressed
	}
	if m.Traced {
		flags |= flagTraced
	}
	e.U8(flags)
	e.Raw(m.Data)
	return e.Buf()
}

func (m *FetchBeginResponse) Decode(b []byte) error {
	d := NewDecoder(b)
	*m = FetchBeginResponse{}
	switch kind := d.U8(); kind {
	case fetchKindProxy:
		p := &ProxyAssignment{}
		p.IsNew = d.Bool()
		p.Host = d.String(MaxHostLen)
		p.Port = d.U16()
		m.Proxy = p
		return d.Finish()
	case fetchKindData:
		m.TransferID = d.U16()
		m.TotalSize = d.U64()
		flags := d.U8()
		m.Compressed = flags&flagCompressed != 0
		m.Traced = flags&flagTraced != 0
		m.Data = d.Rest()
		if err := d.Err(); err != nil {
			return err
		}
		if m.TransferID == TransferFailed {
			return cas.Errorf(cas.ErrProtocol, "decode", cas.ZeroKey, "data response with failed transfer id")
		}
		if uint64(len(m.Data)) > m.TotalSize {
			return cas.Errorf(cas.ErrProtocol, "decode", cas.ZeroKey, "inline %d bytes exceeds total %d", len(m.Data), m.TotalSize)
		}
		if m.TransferID == TransferComplete && uint64(len(m.Data)) != m.TotalSize {
			return cas.Errorf(cas.ErrProtocol, "decode", cas.ZeroKey, "complete response carries %d of %d bytes", len(m.Data), m.TotalSize)
		}
		return nil
	default:
		if d.Err() != nil {
			return d.Err()
		}
		return cas.Errorf(cas.ErrProtocol, "decode", cas.ZeroKey, "unknown fetch response kind %d", kind)
	}
}

// FetchSegmentRequest pulls segment Index of an open fetch transfer. Index 0
// is the chunk already returned by FetchBegin.
type FetchSegmentRequest struct {
	TransferID uint16
	Index      uint32
}

func (m *FetchSegmentRequest) Append(b []byte) []byte {
	e := NewEncoder(b)
	e.U16(m.TransferID)
	e.U32(m.Index)
	return e.Buf()
}

func (m *FetchSegmentRequest) Decode(b []byte) error {
	d := NewDecoder(b)
	m.TransferID = d.U16()
	m.Index = d.U32()
	return d.Finish()
}

// StoreBeginRequest opens an upload. Data is the first segment.
type StoreBeginRequest struct {
	Key              cas.Key
	FullSize         uint64
	UncompressedSize uint64
	Compressed       bool
	Hint             string
	Data             []byte
}

func (m *StoreBeginRequest) Append(b []byte) []byte {
	e := NewEncoder(b)
	e.Key(m.Key)
	e.U64(m.FullSize)
	e.U64(m.UncompressedSize)
	e.Bool(m.Compressed)
	e.String(m.Hint)
	e.Raw(m.Data)
	return e.Buf()
}

func (m *StoreBeginRequest) Decode(b []byte) error {
	d := NewDecoder(b)
	m.Key = d.Key()
	m.FullSize = d.U64()
	m.UncompressedSize = d.U64()
	m.Compressed = d.Bool()
	m.Hint = d.String(MaxHintLen)
	m.Data = d.Rest()
	if err := d.Err(); err != nil {
		return err
	}
	if uint64(len(m.Data)) > m.FullSize {
		return cas.Errorf(cas.ErrProtocol, "decode", m.Key, "inline %d bytes exceeds full size %d", len(m.Data), m.FullSize)
	}
	if !m.Compressed && m.UncompressedSize != m.FullSize {
		return cas.Errorf(cas.ErrProtocol, "decode", m.Key, "uncompressed content with differing sizes %d/%d", m.FullSize, m.UncompressedSize)
	}
	return nil
}

// StoreBeginResponse returns the store id, or TransferComplete when the
// server already has the content.
type StoreBeginResponse struct {
	StoreID uint16
	Traced  bool
}

func (m *StoreBeginResponse) Append(b []byte) []byte {
	e := NewEncoder(b)
	e.U16(m.StoreID)
	e.Bool(m.Traced)
	return e.Buf()
}

func (m *StoreBeginResponse) Decode(b []byte) error {
	d := NewDecoder(b)
	m.StoreID = d.U16()
	m.Traced = d.Bool()
	return d.Finish()
}

// StoreSegmentRequest carries content at a byte offset of an open store.
type StoreSegmentRequest struct {
	StoreID uint16
	Offset  uint64
	Data    []byte
}

func (m *StoreSegmentRequest) Append(b []byte) []byte {
	e := NewEncoder(b)
	e.U16(m.StoreID)
	e.U64(m.Offset)
	e.Raw(m.Data)
	return e.Buf()
}

func (m *StoreSegmentRequest) Decode(b []byte) error {
	d := NewDecoder(b)
	m.StoreID = d.U16()
	m.Offset = d.U64()
	m.Data = d.Rest()
	return d.Err()
}

// StoreSegmentResponse reports whether the store completed with this segment.
type StoreSegmentResponse struct {
	Done bool
}

func (m *StoreSegmentResponse) Append(b []byte) []byte {
	e := NewEncoder(b)
	e.Bool(m.Done)
	return e.Buf()
}

func (m *StoreSegmentResponse) Decode(b []byte) error {
	d := NewDecoder(b)
	m.Done = d.Bool()
	return d.Finish()
}
