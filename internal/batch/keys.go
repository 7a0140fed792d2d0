package batch

// Well-known record keys. model.* holds values produced during the forward
// pass, data.* holds inputs and ground truth.
const (
	Model = "model"

	TabularFeatures    = "model.tabular_features"
	ImagingFeatures    = "model.imaging_features"
	MultimodalFeatures = "model.multimodal_features"

	SampleID           = "data.sample_id"
	Image              = "data.input.image"
	TabularContinuous  = "data.input.tabular.continuous"
	TabularCategorical = "data.input.tabular.categorical"
	TabularInput       = "data.tabular_input"
	GroundTruth        = "data.gt.classification"
)

// Logits is the key a head writes its raw scores to.
func Logits(head string) string { return "model.logits." + head }

// Output is the key a head writes its class probabilities to.
func Output(head string) string { return "model.output." + head }

// Features is the key a head writes the input of its final layer to.
func Features(head string) string { return "model.features." + head }
