package rpc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVsockHandshake(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr bool
	}{
		{name: "ok", reply: "OK 1073741824\n"},
		{name: "bare ok", reply: "OK"},
		{name: "refused", reply: "Connection refused", wantErr: true},
		{name: "empty", reply: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			go func() {
				buf := make([]byte, 64)
				n, _ := server.Read(buf)
				assert.Equal(t, "CONNECT 52\n", string(buf[:n]))
				if tt.reply != "" {
					_, _ = server.Write([]byte(tt.reply))
				} else {
					server.Close()
				}
			}()

			err := vsockHandshake(client, 52)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrProtocol)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
