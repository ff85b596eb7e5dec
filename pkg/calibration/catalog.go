package calibration

// Phase names the five stages of guided enrollment.
type Phase string

const (
	PhaseBasicCommands  Phase = "basic_commands"
	PhaseTrackCommands  Phase = "track_commands"
	PhaseMixingTerms    Phase = "mixing_terms"
	PhaseComplexPhrases Phase = "complex_phrases"
	PhaseSlang          Phase = "slang"
)

// Phrase is one entry in the enrollment catalog.
type Phrase struct {
	Phase Phase
	Text  string
}

// FullCatalog is the fixed ~31-phrase guided enrollment catalog.
var FullCatalog = []Phrase{
	{PhaseBasicCommands, "play"},
	{PhaseBasicCommands, "stop"},
	{PhaseBasicCommands, "pause"},
	{PhaseBasicCommands, "record"},
	{PhaseBasicCommands, "undo"},
	{PhaseBasicCommands, "redo"},

	{PhaseTrackCommands, "mute track one"},
	{PhaseTrackCommands, "solo track two"},
	{PhaseTrackCommands, "add new track"},
	{PhaseTrackCommands, "delete track three"},
	{PhaseTrackCommands, "rename track one"},
	{PhaseTrackCommands, "duplicate track two"},
	{PhaseTrackCommands, "arm track one for recording"},

	{PhaseMixingTerms, "increase track one volume"},
	{PhaseMixingTerms, "pan track two left"},
	{PhaseMixingTerms, "add reverb to track one"},
	{PhaseMixingTerms, "compress the master bus"},
	{PhaseMixingTerms, "boost the low end"},
	{PhaseMixingTerms, "cut three db at two kilohertz"},
	{PhaseMixingTerms, "automate track one fader"},

	{PhaseComplexPhrases, "solo track one and mute track two"},
	{PhaseComplexPhrases, "set the tempo to one twenty"},
	{PhaseComplexPhrases, "jump to bar sixteen"},
	{PhaseComplexPhrases, "loop measures eight through twelve"},
	{PhaseComplexPhrases, "bounce the mix to a new track"},
	{PhaseComplexPhrases, "quantize the drum track to a sixteenth note"},

	{PhaseSlang, "crank the gain"},
	{PhaseSlang, "give it some air"},
	{PhaseSlang, "dial in the low end"},
	{PhaseSlang, "make it punchier"},
	{PhaseSlang, "tighten up the low end"},
}

// QuickCatalog is the alternative 8-phrase fast enrollment path, one or two
// phrases drawn from each phase of FullCatalog.
var QuickCatalog = []Phrase{
	{PhaseBasicCommands, "play"},
	{PhaseBasicCommands, "stop"},
	{PhaseTrackCommands, "mute track one"},
	{PhaseTrackCommands, "solo track two"},
	{PhaseMixingTerms, "increase track one volume"},
	{PhaseComplexPhrases, "jump to bar sixteen"},
	{PhaseComplexPhrases, "set the tempo to one twenty"},
	{PhaseSlang, "crank the gain"},
}
