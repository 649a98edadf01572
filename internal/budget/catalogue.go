package budget

// Feature names a demo capability with its own quota.
type Feature string

const (
	FeatureChat               Feature = "chat"
	FeatureVoiceTTS           Feature = "voice_tts"
	FeatureWebcamAnalysis     Feature = "webcam_analysis"
	FeatureScreenshotAnalysis Feature = "screenshot_analysis"
	FeatureDocumentAnalysis   Feature = "document_analysis"
	FeatureVideoToApp         Feature = "video_to_app"
	FeatureLeadResearch       Feature = "lead_research"
)

// Limit is the fixed quota for one feature.
type Limit struct {
	MaxTokens   int
	MaxRequests int
	Model       string
}

// Catalogue is the static feature table all access checks run against.
// It is configuration, not runtime state; it is not user-extensible.
var Catalogue = map[Feature]Limit{
	FeatureChat:               {MaxTokens: 10000, MaxRequests: 20, Model: "gemini-2.5-flash"},
	FeatureVoiceTTS:           {MaxTokens: 5000, MaxRequests: 10, Model: "gemini-2.5-flash-preview-tts"},
	FeatureWebcamAnalysis:     {MaxTokens: 5000, MaxRequests: 5, Model: "gemini-2.5-flash"},
	FeatureScreenshotAnalysis: {MaxTokens: 5000, MaxRequests: 5, Model: "gemini-2.5-flash"},
	FeatureDocumentAnalysis:   {MaxTokens: 8000, MaxRequests: 5, Model: "gemini-2.5-flash"},
	FeatureVideoToApp:         {MaxTokens: 15000, MaxRequests: 2, Model: "gemini-2.5-pro"},
	FeatureLeadResearch:       {MaxTokens: 8000, MaxRequests: 3, Model: "gemini-2.5-flash"},
}

// Features returns the catalogue keys in a stable order.
func Features() []Feature {
	return []Feature{
		FeatureChat,
		FeatureVoiceTTS,
		FeatureWebcamAnalysis,
		FeatureScreenshotAnalysis,
		FeatureDocumentAnalysis,
		FeatureVideoToApp,
		FeatureLeadResearch,
	}
}

// Known reports whether a feature is part of the catalogue.
func Known(f Feature) bool {
	_, ok := Catalogue[f]
	return ok
}
