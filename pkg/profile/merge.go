package profile

import (
	"fmt"
	"strings"

	"github.com/harunnryd/callbridge/pkg/configutil"
)

var profileSchema = configutil.Schema{
	Optional: []string{
		"client_id", "company_name", "industry", "products", "value_proposition",
		"sales_goal", "voice", "temperature", "barge_in_delay_ms", "additional_instructions",
	},
	Nested: map[string]configutil.Schema{
		"vad":        {Optional: []string{"threshold", "prefix_padding_ms", "silence_duration_ms"}},
		"conditions": {Optional: []string{"pricing", "min_order", "coverage", "delivery_time"}},
	},
}

// patch is a partial profile. Nil fields were absent from the update.
type patch struct {
	CompanyName            *string     `mapstructure:"company_name"`
	Industry               *string     `mapstructure:"industry"`
	Products               *[]string   `mapstructure:"products"`
	ValueProposition       *string     `mapstructure:"value_proposition"`
	Conditions             *Conditions `mapstructure:"conditions"`
	SalesGoal              *string     `mapstructure:"sales_goal"`
	Voice                  *string     `mapstructure:"voice"`
	Temperature            *float64    `mapstructure:"temperature"`
	VAD                    *vadPatch   `mapstructure:"vad"`
	BargeInDelayMS         *int        `mapstructure:"barge_in_delay_ms"`
	AdditionalInstructions *string     `mapstructure:"additional_instructions"`
}

type vadPatch struct {
	Threshold         *float64 `mapstructure:"threshold"`
	PrefixPaddingMS   *int     `mapstructure:"prefix_padding_ms"`
	SilenceDurationMS *int     `mapstructure:"silence_duration_ms"`
}

func decodePatch(overrides map[string]any, out *patch) error {
	if err := configutil.ValidateSettings(overrides, profileSchema); err != nil {
		return invalid(err)
	}
	if err := configutil.DecodeSettings(overrides, out); err != nil {
		return invalid(err)
	}
	if v := out.VAD; v != nil {
		var zero []string
		if v.Threshold != nil && *v.Threshold == 0 {
			zero = append(zero, "vad.threshold")
		}
		if v.PrefixPaddingMS != nil && *v.PrefixPaddingMS == 0 {
			zero = append(zero, "vad.prefix_padding_ms")
		}
		if v.SilenceDurationMS != nil && *v.SilenceDurationMS == 0 {
			zero = append(zero, "vad.silence_duration_ms")
		}
		if len(zero) > 0 {
			return invalid(fmt.Errorf("%s: zero selects the process default, omit the key instead", strings.Join(zero, ", ")))
		}
	}
	return nil
}

// apply layers the patch over current. VAD is rebuilt as defaults, then the
// current values, then the override, so a partial VAD update keeps the rest.
func (pt patch) apply(current Profile, d Defaults) Profile {
	p := current
	setString(&p.CompanyName, pt.CompanyName)
	setString(&p.Industry, pt.Industry)
	setString(&p.ValueProposition, pt.ValueProposition)
	setString(&p.SalesGoal, pt.SalesGoal)
	setString(&p.AdditionalInstructions, pt.AdditionalInstructions)
	if pt.Products != nil {
		p.Products = append([]string(nil), (*pt.Products)...)
	}
	if pt.Conditions != nil {
		p.Conditions = *pt.Conditions
	}
	if pt.BargeInDelayMS != nil {
		v := *pt.BargeInDelayMS
		p.BargeInDelayMS = &v
	}

	vad := d.VAD
	if current.VAD != (VAD{}) {
		vad = current.VAD
	}
	if pt.VAD != nil {
		if pt.VAD.Threshold != nil {
			vad.Threshold = *pt.VAD.Threshold
		}
		if pt.VAD.PrefixPaddingMS != nil {
			vad.PrefixPaddingMS = *pt.VAD.PrefixPaddingMS
		}
		if pt.VAD.SilenceDurationMS != nil {
			vad.SilenceDurationMS = *pt.VAD.SilenceDurationMS
		}
	}
	p.VAD = vad

	switch {
	case pt.Voice != nil && *pt.Voice != "":
		p.Voice = *pt.Voice
	case current.Voice != "":
		p.Voice = current.Voice
	default:
		p.Voice = d.Voice
	}

	if pt.Temperature != nil {
		v := *pt.Temperature
		p.Temperature = &v
	} else if current.Temperature == nil {
		v := d.Temperature
		p.Temperature = &v
	}
	return p
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
