package nakama

// Nakama RPC ids.
const (
	RpcCreateGame      = "create_game"
	RpcGetGame         = "get_game"
	RpcDrawCard        = "draw_card"
	RpcFinishDraw      = "finish_draw"
	RpcAddPlayer       = "add_player"
	RpcEditPlayer      = "edit_player"
	RpcRemovePlayer    = "remove_player"
	RpcCreateSuccessor = "create_successor"
	RpcAwaitSuccessor  = "await_successor"
	RpcDeleteGame      = "delete_game"
)

// MatchNameRoom is the authoritative match handler name registered with Nakama.
const MatchNameRoom = "ringoffire_room"

// Op codes for client messages and server events. Payloads are
// google.protobuf.Struct messages.
const (
	// Client -> Server
	OpDrawCard        int64 = 1
	OpAddPlayer       int64 = 2
	OpEditPlayer      int64 = 3
	OpRemovePlayer    int64 = 4
	OpCreateSuccessor int64 = 5

	// Server -> Client events
	OpGameSnapshot    int64 = 101
	OpCardDrawn       int64 = 102
	OpCardFiled       int64 = 103
	OpGameEnded       int64 = 104
	OpRosterChanged   int64 = 105
	OpSuccessorLinked int64 = 106
	OpSuccessorOffer  int64 = 107 // someone else already created the successor
	OpGameError       int64 = 110 // send privately
)

// Runtime environment keys read at module load. Any other key starting with
// EnvPrefix overrides the game config field of the same name, for example
// ringoffire_suit_count.
const (
	EnvPrefix     = "ringoffire_"
	EnvConfigPath = EnvPrefix + "config"
)
