package operation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/schema"
)

// constructors maps every operation type to its command. NewDecoder refuses
// to start if an operation type is missing here.
var constructors = map[model.OperationType]func() Command{
	model.OpImageGenerate:       func() Command { return &ImageGenerate{} },
	model.OpImageVariation:      func() Command { return &ImageVariation{} },
	model.OpImageEdit:           func() Command { return &ImageEdit{} },
	model.OpImageUpscale:        func() Command { return &ImageUpscale{} },
	model.OpStyleTransfer:       func() Command { return &StyleTransfer{} },
	model.OpTTS:                 func() Command { return &TextToSpeech{} },
	model.OpVoiceClone:          func() Command { return &VoiceClone{} },
	model.OpEmbed:               func() Command { return &Embed{} },
	model.OpSemanticSearch:      func() Command { return &SemanticSearch{} },
	model.OpSimilarity:          func() Command { return &Similarity{} },
	model.OpWorkflowExecute:     func() Command { return &WorkflowExecute{} },
	model.OpMultimodalProcess:   func() Command { return &MultimodalProcess{} },
	model.OpMultimodalGenerate:  func() Command { return &MultimodalGenerate{} },
	model.OpTranslateModalities: func() Command { return &TranslateModalities{} },
	model.OpRecommend:           func() Command { return &Recommend{} },
	model.OpDiscover:            func() Command { return &Discover{} },
	model.OpMatchAssets:         func() Command { return &MatchAssets{} },
	model.OpAssetManage:         func() Command { return &AssetManage{} },
	model.OpCollaborate:         func() Command { return &Collaborate{} },
	model.OpCancel:              func() Command { return &Cancel{} },
	model.OpHistory:             func() Command { return &History{} },
	model.OpMetrics:             func() Command { return &MetricsQuery{} },
	model.OpCostBreakdown:       func() Command { return &CostBreakdown{} },
	model.OpCacheStats:          func() Command { return &CacheStats{} },
	model.OpClearCache:          func() Command { return &ClearCache{} },
}

// Decoder validates raw payloads and decodes them into commands.
type Decoder struct {
	validator *schema.Validator
}

// NewDecoder checks that every operation type has a command.
func NewDecoder(v *schema.Validator) (*Decoder, error) {
	for _, op := range model.AllOperations() {
		c, ok := constructors[op]
		if !ok {
			return nil, fmt.Errorf("no command registered for %s", op)
		}
		if got := c().Type(); got != op {
			return nil, fmt.Errorf("command for %s reports type %s", op, got)
		}
	}
	return &Decoder{validator: v}, nil
}

// Decode validates raw against the schema of op and returns the typed command.
// Errors are schema.ErrUnknownOperation or *schema.ValidationError.
func (d *Decoder) Decode(op model.OperationType, raw []byte) (Command, error) {
	if err := d.validator.Validate(op, raw); err != nil {
		return nil, err
	}
	cmd := constructors[op]()
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, cmd); err != nil {
		return nil, &schema.ValidationError{Operation: op, Fields: []schema.FieldError{{Field: "(body)", Message: err.Error()}}}
	}
	var common Common
	if err := json.Unmarshal(raw, &common); err != nil {
		return nil, &schema.ValidationError{Operation: op, Fields: []schema.FieldError{{Field: "(body)", Message: err.Error()}}}
	}
	common.Provider = NormalizeProvider(common.Provider)
	cmd.setCommon(common)
	return cmd, nil
}

// NormalizeProvider maps "", "AUTO" and "auto" to model.ProviderAuto.
func NormalizeProvider(p model.Provider) model.Provider {
	if p == "" || strings.EqualFold(string(p), string(model.ProviderAuto)) {
		return model.ProviderAuto
	}
	return p
}

// Params returns the canonical encoding of the command's parameters,
// excluding envelope fields. Field order in the incoming payload does not
// affect the result.
func Params(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}
