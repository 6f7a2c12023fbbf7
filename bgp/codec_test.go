package bgp

import (
	"bufio"
	"bytes"
	"net/netip"
	"testing"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"open", &Open{AS: 65001, HoldTime: 90, RouterID: 0x01020304}},
		{"open four octet AS", &Open{AS: 4200000001, HoldTime: 0, RouterID: 0x0a000001}},
		{"keepalive", &Keepalive{}},
		{"update", &Update{
			Withdrawn: []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")},
			Origin:    OriginEGP,
			ASPath:    []common.ASN{65002, 65001},
			NextHop:   netip.MustParseAddr("10.0.0.2"),
			NLRI: []netip.Prefix{
				netip.MustParsePrefix("192.168.1.0/24"),
				netip.MustParsePrefix("172.16.0.0/12"),
			},
		}},
		{"withdraw only", &Update{
			Withdrawn: []netip.Prefix{netip.MustParsePrefix("192.168.1.0/24")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Marshal(tt.msg)
			require.NoError(t, err)

			got, err := Unmarshal(b)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.msg, got, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }), cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestSplitMessages(t *testing.T) {
	var stream bytes.Buffer
	for _, m := range []Message{&Keepalive{}, &Open{AS: 65001, HoldTime: 180, RouterID: 1}, &Keepalive{}} {
		b, err := Marshal(m)
		require.NoError(t, err)
		stream.Write(b)
	}

	sc := bufio.NewScanner(&stream)
	sc.Split(SplitMessages)

	var types []MessageType
	for sc.Scan() {
		m, err := Unmarshal(sc.Bytes())
		require.NoError(t, err)
		types = append(types, m.Type())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []MessageType{MessageKeepalive, MessageOpen, MessageKeepalive}, types)
}

func TestSplitMessagesTruncated(t *testing.T) {
	b, err := Marshal(&Keepalive{})
	require.NoError(t, err)

	sc := bufio.NewScanner(bytes.NewReader(b[:len(b)-1]))
	sc.Split(SplitMessages)
	assert.False(t, sc.Scan())
	assert.Error(t, sc.Err())
}
