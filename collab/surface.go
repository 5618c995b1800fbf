package collab

// RenderingSurface is the canvas editor, an external collaborator. The
// engine reads the surface's elements, writes merged scenes into it,
// and receives change notifications through Session.OnChange. The
// surface's element array and the engine's snapshot are separately
// owned copies, synchronized by explicit calls and never aliased.
type RenderingSurface interface {
	GetElements() []*Element
	// recordHistory false means the write must not be recorded as an
	// undoable local edit
	SetElements(elements []*Element, recordHistory bool)
}
