package app

// Operation names carried by PersistenceError and log lines.
const (
	OpCreateGame      = "create_game"
	OpLoadGame        = "load_game"
	OpSubscribe       = "subscribe"
	OpDrawCard        = "draw_card"
	OpFinishDraw      = "finish_draw"
	OpAddPlayer       = "add_player"
	OpEditPlayer      = "edit_player"
	OpRemovePlayer    = "remove_player"
	OpDeleteGame      = "delete_game"
	OpCreateSuccessor = "create_successor"
	OpAwaitSuccessor  = "await_successor"
)
