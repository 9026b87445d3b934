package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeUpstreamTags(t *testing.T) {
	var up, err = DecodeUpstream([]byte(`["ping", {}]`))
	require.NoError(t, err)
	require.NotNil(t, up.Ping)

	up, err = DecodeUpstream([]byte(`["push", {"clientGroupID": "g1",
		"mutations": [{"id": 7, "clientID": "c1", "name": "createIssue", "args": {"x": 1}}]}]`))
	require.NoError(t, err)
	require.Equal(t, "g1", up.Push.ClientGroupID)
	require.Equal(t, int64(7), up.Push.Mutations[0].ID)

	up, err = DecodeUpstream([]byte(`["changeDesiredQueries",
		{"desiredQueriesPatch": [{"op": "del", "hash": "h1"}]}]`))
	require.NoError(t, err)
	require.Equal(t, "del", up.ChangeDesiredQueries.DesiredQueriesPatch[0].Op)

	up, err = DecodeUpstream([]byte(`["initConnection",
		{"desiredQueriesPatch": [{"op": "put", "hash": "h2", "ast": {"table": "issues"}}]}]`))
	require.NoError(t, err)
	require.Equal(t, "issues", up.InitConnection.DesiredQueriesPatch[0].AST.Table)

	up, err = DecodeUpstream([]byte(`["pull", {"cookie": null}]`))
	require.NoError(t, err)
	require.NotNil(t, up.Pull)
}

func TestDecodeUpstreamRejections(t *testing.T) {
	for _, raw := range []string{
		`{"not": "a tuple"}`,
		`["ping"]`,
		`[7, {}]`,
		`["warp", {}]`,
		`["push", []]`,
		`not json`,
	} {
		var _, err = DecodeUpstream([]byte(raw))
		require.Error(t, err, raw)
		var werr, ok = err.(*Error)
		require.True(t, ok, raw)
		require.Equal(t, InvalidMessage, werr.Kind)
	}
}

func TestDownstreamEncoding(t *testing.T) {
	var b, err = Connected("ws-1", 12345).Encode()
	require.NoError(t, err)
	require.JSONEq(t, `["connected", {"wsid": "ws-1", "timestamp": 12345}]`, string(b))

	b, err = PokeStart(PokeStartBody{PokeID: "05", BaseCookie: "04", Cookie: "05"}).Encode()
	require.NoError(t, err)
	require.JSONEq(t, `["pokeStart", {"pokeID": "05", "baseCookie": "04", "cookie": "05"}]`, string(b))

	b, err = PokeEnd("05").Encode()
	require.NoError(t, err)
	require.JSONEq(t, `["pokeEnd", {"pokeID": "05"}]`, string(b))

	b, err = ErrorMessage(InvalidPush, "wrong group").Encode()
	require.NoError(t, err)
	require.JSONEq(t, `["error", "InvalidPush", "wrong group"]`, string(b))
}

func TestPokePartOmitsEmptySections(t *testing.T) {
	var b, err = PokePart(PokePartBody{PokeID: "02"}).Encode()
	require.NoError(t, err)
	require.JSONEq(t, `["pokePart", {"pokeID": "02"}]`, string(b))
}

func TestCheckValueRange(t *testing.T) {
	require.NoError(t, CheckValue(int64(1<<53-1)))
	require.NoError(t, CheckValue(json.Number("9007199254740991")))
	require.NoError(t, CheckValue("strings pass"))
	require.NoError(t, CheckValue(nil))

	require.Error(t, CheckValue(int64(1<<53)))
	require.Error(t, CheckValue(json.Number("9007199254740993")))
	require.Error(t, CheckValue([]any{int64(1 << 60)}))
	require.Error(t, CheckValue(map[string]any{"big": json.Number("18446744073709551616")}))

	require.Error(t, CheckEntityPatch(&EntityPatch{
		Op: "put", EntityType: "issues",
		EntityID: map[string]any{"id": "1"},
		Value:    map[string]any{"big": int64(1 << 54)},
	}))
}
