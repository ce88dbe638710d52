package profiled

// reconcileTemplate fills fields absent from data with deep copies of the
// template's values, recursing into nested maps. Fields already present keep
// their value, including zero values; a field whose types disagree between
// data and template is left alone. The template is never aliased.
func reconcileTemplate(data, template map[string]any) map[string]any {
	if len(template) == 0 {
		return data
	}
	if data == nil {
		data = make(map[string]any, len(template))
	}
	for key, tval := range template {
		dval, ok := data[key]
		if !ok || dval == nil {
			data[key] = cloneTemplateValue(tval)
			continue
		}
		dmap, dataIsMap := dval.(map[string]any)
		tmap, templateIsMap := tval.(map[string]any)
		if dataIsMap && templateIsMap {
			data[key] = reconcileTemplate(dmap, tmap)
		}
	}
	return data
}

func cloneTemplateValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = cloneTemplateValue(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneTemplateValue(item)
		}
		return out
	default:
		return v
	}
}
