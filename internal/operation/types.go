package operation

import "github.com/RegistryAccord/registryaccord-mmg-go/internal/model"

func (*ImageGenerate) Type() model.OperationType { return model.OpImageGenerate }
func (*ImageVariation) Type() model.OperationType { return model.OpImageVariation }
func (*ImageEdit) Type() model.OperationType { return model.OpImageEdit }
func (*ImageUpscale) Type() model.OperationType { return model.OpImageUpscale }
func (*StyleTransfer) Type() model.OperationType { return model.OpStyleTransfer }
func (*TextToSpeech) Type() model.OperationType { return model.OpTTS }
func (*VoiceClone) Type() model.OperationType { return model.OpVoiceClone }
func (*Embed) Type() model.OperationType { return model.OpEmbed }
func (*SemanticSearch) Type() model.OperationType { return model.OpSemanticSearch }
func (*Similarity) Type() model.OperationType { return model.OpSimilarity }
func (*WorkflowExecute) Type() model.OperationType { return model.OpWorkflowExecute }
func (*MultimodalProcess) Type() model.OperationType { return model.OpMultimodalProcess }
func (*MultimodalGenerate) Type() model.OperationType { return model.OpMultimodalGenerate }
func (*TranslateModalities) Type() model.OperationType { return model.OpTranslateModalities }
func (*Recommend) Type() model.OperationType { return model.OpRecommend }
func (*Discover) Type() model.OperationType { return model.OpDiscover }
func (*MatchAssets) Type() model.OperationType { return model.OpMatchAssets }
func (*AssetManage) Type() model.OperationType { return model.OpAssetManage }
func (*Collaborate) Type() model.OperationType { return model.OpCollaborate }
func (*Cancel) Type() model.OperationType { return model.OpCancel }
func (*History) Type() model.OperationType { return model.OpHistory }
func (*MetricsQuery) Type() model.OperationType { return model.OpMetrics }
func (*CostBreakdown) Type() model.OperationType { return model.OpCostBreakdown }
func (*CacheStats) Type() model.OperationType { return model.OpCacheStats }
func (*ClearCache) Type() model.OperationType { return model.OpClearCache }

func (*ImageGenerate) Modality() model.ContentType { return model.ContentImage }
func (*ImageVariation) Modality() model.ContentType { return model.ContentImage }
func (*ImageEdit) Modality() model.ContentType { return model.ContentImage }
func (*ImageUpscale) Modality() model.ContentType { return model.ContentImage }
func (*StyleTransfer) Modality() model.ContentType { return model.ContentImage }
func (*TextToSpeech) Modality() model.ContentType { return model.ContentAudio }
func (*VoiceClone) Modality() model.ContentType { return model.ContentAudio }
func (c *Embed) Modality() model.ContentType { return c.ContentType }
func (c *SemanticSearch) Modality() model.ContentType { return c.QueryType }
func (c *Similarity) Modality() model.ContentType { return c.SourceType }
func (c *WorkflowExecute) Modality() model.ContentType { return c.OutputType }
func (c *TranslateModalities) Modality() model.ContentType { return c.TargetType }
func (c *Recommend) Modality() model.ContentType { return c.ContentType }
func (c *Discover) Modality() model.ContentType { return c.QueryType }
func (*Collaborate) Modality() model.ContentType { return "" }
func (*Cancel) Modality() model.ContentType { return "" }
func (*History) Modality() model.ContentType { return "" }
func (*MetricsQuery) Modality() model.ContentType { return "" }
func (*CacheStats) Modality() model.ContentType { return "" }
func (*ClearCache) Modality() model.ContentType { return "" }

func (c *MultimodalProcess) Modality() model.ContentType {
	if len(c.Contents) > 0 {
		return c.Contents[0].ContentType
	}
	return model.ContentText
}

func (c *MultimodalGenerate) Modality() model.ContentType {
	if len(c.OutputTypes) > 0 {
		return c.OutputTypes[0]
	}
	return model.ContentText
}

func (c *MatchAssets) Modality() model.ContentType {
	if c.Criteria.ContentType != "" {
		return c.Criteria.ContentType
	}
	return model.ContentText
}

func (c *AssetManage) Modality() model.ContentType {
	if c.QueryType != "" {
		return c.QueryType
	}
	if len(c.Assets) > 0 && c.Assets[0].ContentType != "" {
		return c.Assets[0].ContentType
	}
	return model.ContentText
}

func (c *ImageGenerate) HasSeed() bool { return c.Seed != nil }
func (c *ImageVariation) HasSeed() bool { return c.Seed != nil }
func (c *ImageEdit) HasSeed() bool { return c.Seed != nil }
func (c *StyleTransfer) HasSeed() bool { return c.Seed != nil }
func (c *WorkflowExecute) HasSeed() bool { return c.Seed != nil }
func (c *MultimodalGenerate) HasSeed() bool { return c.Seed != nil }
