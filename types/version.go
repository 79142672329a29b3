package types

// Version is the gantry release version.
// Kept in types so every package can report it without import cycles.
const Version = "0.2.0"
