package flow

import (
	"slices"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// DefaultDefinitionName names the built-in check-in flow.
const DefaultDefinitionName = "checkin-default"

// Field names of the built-in flow that other modules depend on.
const (
	FieldPhone         = "telefone"
	FieldWeight        = "peso"
	FieldWaist         = "cintura"
	FieldHip           = "quadril"
	FieldPhotos        = "fotos"
	FieldTraining      = "treino"
	FieldTrainingWhy   = "treino_dificuldade"
	FieldCardio        = "cardio"
	FieldRest          = "descanso"
	FieldFreeMeal      = "refeicao_livre"
	FieldSnacking      = "beliscos"
	FieldWater         = "agua"
	FieldSleepHours    = "sono"
	FieldSleepQuality  = "qualidade_sono"
	FieldStress        = "estresse"
	FieldLibido        = "libido"
	FieldDietAdherence = "dieta"
	FieldNotes         = "observacoes"
)

// Choice labels of the built-in flow. Scoring tables are keyed by these labels.
var (
	RestChoices         = []string{"Menos de 1 minuto", "1 a 2 minutos", "Mais de 2 minutos", "Não controlo"}
	FreeMealChoices     = []string{"Nenhuma", "Uma", "Duas", "Três ou mais"}
	SnackingChoices     = []string{"Nunca", "Às vezes", "Frequentemente", "Todos os dias"}
	WaterChoices        = []string{"1 litro", "2 litros", "3 litros", "4 litros ou mais"}
	SleepHourChoices    = []string{"4 ou menos", "5", "6", "7", "8 ou mais"}
	SleepQualityChoices = []string{"Péssima", "Ruim", "Regular", "Boa", "Ótima"}
	StressChoices       = []string{"Muito alto", "Alto", "Moderado", "Baixo", "Muito baixo"}
	LibidoChoices       = []string{"Muito baixa", "Baixa", "Normal", "Alta"}
	DietChoices         = []string{"Segui totalmente", "Segui na maior parte", "Segui pouco", "Não segui"}
)

func bound(v float64) *float64 { return &v }

func cond(field string, op models.Operator, value string) models.Condition {
	return models.Condition{Field: field, Operator: op, Value: value}
}

func branch(c models.Condition, messages ...string) models.BranchMessage {
	return models.BranchMessage{Condition: c, Messages: messages}
}

// defaultSteps is the built-in periodic check-in.
func defaultSteps() []models.Step {
	return []models.Step{
		{
			ID:   "boas_vindas",
			Kind: models.StepKindMessage,
			LeadingMessages: []string{
				"Olá! Chegou a hora do seu check-in. 💪",
				"Vou fazer algumas perguntas rápidas sobre a sua semana. Responda com sinceridade, isso ajuda a ajustar o seu plano.",
			},
		},
		{
			ID:          "telefone",
			Kind:        models.StepKindText,
			TargetField: FieldPhone,
			Prompt:      "Qual é o seu número de telefone com DDD?",
			Required:    true,
		},
		{
			ID:              "peso",
			Kind:            models.StepKindNumber,
			TargetField:     FieldWeight,
			LeadingMessages: []string{"Vamos começar pelas medidas."},
			Prompt:          "Qual é o seu peso atual em kg? (ex.: 72,5)",
			Required:        true,
			Min:             bound(20),
			Max:             bound(400),
		},
		{
			ID:          "cintura",
			Kind:        models.StepKindNumber,
			TargetField: FieldWaist,
			Prompt:      "Qual é a medida da sua cintura em cm?",
			Min:         bound(30),
			Max:         bound(250),
			SupportImage: &models.SupportImage{
				URL:      "https://static.checkinpipe.app/medidas/cintura.png",
				Caption:  "Meça na altura do umbigo, sem apertar a fita.",
				Position: models.ImageAbove,
			},
		},
		{
			ID:          "quadril",
			Kind:        models.StepKindNumber,
			TargetField: FieldHip,
			Prompt:      "Qual é a medida do seu quadril em cm?",
			Min:         bound(30),
			Max:         bound(250),
			SupportImage: &models.SupportImage{
				URL:      "https://static.checkinpipe.app/medidas/quadril.png",
				Caption:  "Meça na parte mais larga do quadril.",
				Position: models.ImageAbove,
			},
		},
		{
			ID:          "fotos",
			Kind:        models.StepKindFileSet,
			TargetField: FieldPhotos,
			Prompt:      "Envie suas fotos de frente, lado e costas.",
			SupportImage: &models.SupportImage{
				URL:      "https://static.checkinpipe.app/medidas/fotos.png",
				Caption:  "Use boa iluminação e a mesma posição das fotos anteriores.",
				Position: models.ImageBelow,
			},
		},
		{
			ID:              "treino",
			Kind:            models.StepKindNumber,
			TargetField:     FieldTraining,
			LeadingMessages: []string{"Agora sobre os treinos."},
			Prompt:          "Quantas vezes você treinou musculação nesta semana?",
			Required:        true,
			Min:             bound(0),
			Max:             bound(7),
			BranchMessages: []models.BranchMessage{
				branch(cond(FieldTraining, models.OpLessOrEqual, "2"),
					"Sua frequência de treino está baixa. O ideal é treinar pelo menos 3 vezes por semana."),
				branch(cond(FieldTraining, models.OpBetween, "3,4"),
					"Boa frequência de treino! Se conseguir, tente chegar a 5 vezes."),
				branch(cond(FieldTraining, models.OpGreaterOrEqual, "5"),
					"Excelente frequência de treino, continue assim! 🏆"),
			},
		},
		{
			ID:                  "treino_dificuldade",
			Kind:                models.StepKindText,
			TargetField:         FieldTrainingWhy,
			Prompt:              "O que dificultou os seus treinos nesta semana?",
			Required:            true,
			VisibilityCondition: &models.Condition{Field: FieldTraining, Operator: models.OpLessOrEqual, Value: "2"},
		},
		{
			ID:          "cardio",
			Kind:        models.StepKindNumber,
			TargetField: FieldCardio,
			Prompt:      "Quantas vezes você fez cardio nesta semana?",
			Required:    true,
			Min:         bound(0),
			Max:         bound(14),
			BranchMessages: []models.BranchMessage{
				branch(cond(FieldCardio, models.OpEquals, "0"),
					"Sua frequência de cardio está baixa. Mesmo caminhadas curtas já ajudam."),
			},
		},
		{
			ID:                  "descanso",
			Kind:                models.StepKindSingleChoice,
			TargetField:         FieldRest,
			Prompt:              "Quanto tempo você descansa entre as séries?",
			Choices:             slices.Clone(RestChoices),
			Required:            true,
			VisibilityCondition: &models.Condition{Field: FieldTraining, Operator: models.OpGreaterOrEqual, Value: "1"},
			BranchMessages: []models.BranchMessage{
				branch(cond(FieldRest, models.OpEquals, "Não controlo"),
					"Tente cronometrar o descanso: de 1 a 2 minutos costuma ser o ideal."),
			},
		},
		{
			ID:              "refeicao_livre",
			Kind:            models.StepKindSingleChoice,
			TargetField:     FieldFreeMeal,
			LeadingMessages: []string{"Vamos falar da alimentação."},
			Prompt:          "Quantas refeições livres você fez nesta semana?",
			Choices:         slices.Clone(FreeMealChoices),
			Required:        true,
			BranchMessages: []models.BranchMessage{
				branch(cond(FieldFreeMeal, models.OpEquals, "Três ou mais"),
					"Muitas refeições livres podem atrasar seus resultados. Vamos tentar reduzir para no máximo 1."),
			},
		},
		{
			ID:          "beliscos",
			Kind:        models.StepKindSingleChoice,
			TargetField: FieldSnacking,
			Prompt:      "Com que frequência você beliscou fora do plano?",
			Choices:     slices.Clone(SnackingChoices),
			Required:    true,
			BranchMessages: []models.BranchMessage{
				branch(cond(FieldSnacking, models.OpEquals, "Todos os dias"),
					"Beliscar todos os dias soma muitas calorias. Deixe opções do plano sempre à mão."),
			},
		},
		{
			ID:          "agua",
			Kind:        models.StepKindSingleChoice,
			TargetField: FieldWater,
			Prompt:      "Quantos litros de água você bebe por dia, em média?",
			Choices:     slices.Clone(WaterChoices),
			Required:    true,
			BranchMessages: []models.BranchMessage{
				branch(cond(FieldWater, models.OpEquals, "1 litro"),
					"Sua hidratação está baixa. Tente beber pelo menos 35 ml por kg de peso por dia."),
				branch(cond(FieldWater, models.OpEquals, "4 litros ou mais"),
					"Ótima hidratação! 💧"),
			},
		},
		{
			ID:          "dieta",
			Kind:        models.StepKindSingleChoice,
			TargetField: FieldDietAdherence,
			Prompt:      "Como foi a sua adesão à dieta nesta semana?",
			Choices:     slices.Clone(DietChoices),
			Required:    true,
		},
		{
			ID:              "sono",
			Kind:            models.StepKindSingleChoice,
			TargetField:     FieldSleepHours,
			LeadingMessages: []string{"Quase lá! Agora sobre descanso e bem-estar."},
			Prompt:          "Quantas horas você dorme por noite, em média?",
			Choices:         slices.Clone(SleepHourChoices),
			Required:        true,
			BranchMessages: []models.BranchMessage{
				branch(cond(FieldSleepHours, models.OpEquals, "4 ou menos"),
					"Sua quantidade de sono está baixa. Dormir pouco prejudica a recuperação e aumenta a fome."),
				branch(cond(FieldSleepHours, models.OpEquals, "5"),
					"Tente dormir um pouco mais: o ideal fica entre 7 e 8 horas."),
			},
		},
		{
			ID:          "qualidade_sono",
			Kind:        models.StepKindSingleChoice,
			TargetField: FieldSleepQuality,
			Prompt:      "Como você avalia a qualidade do seu sono?",
			Choices:     slices.Clone(SleepQualityChoices),
			Required:    true,
		},
		{
			ID:          "estresse",
			Kind:        models.StepKindSingleChoice,
			TargetField: FieldStress,
			Prompt:      "Como está o seu nível de estresse?",
			Choices:     slices.Clone(StressChoices),
			Required:    true,
			BranchMessages: []models.BranchMessage{
				branch(cond(FieldStress, models.OpEquals, "Muito alto"),
					"Seu nível de estresse está muito alto. Vamos conversar sobre isso na próxima consulta."),
			},
		},
		{
			ID:          "libido",
			Kind:        models.StepKindSingleChoice,
			TargetField: FieldLibido,
			Prompt:      "Como está a sua libido?",
			Choices:     slices.Clone(LibidoChoices),
			Required:    true,
		},
		{
			ID:          "observacoes",
			Kind:        models.StepKindText,
			TargetField: FieldNotes,
			Prompt:      "Quer deixar alguma observação para o seu coach? (responda \"pular\" para seguir)",
		},
		{
			ID:   "encerramento",
			Kind: models.StepKindMessage,
			LeadingMessages: []string{
				"Check-in concluído! Obrigado pelas respostas. ✅",
				"Seu coach vai analisar tudo e retornar em breve.",
			},
		},
	}
}

// DefaultDefinition returns the built-in check-in definition.
func DefaultDefinition() *Definition {
	d, err := NewDefinition(DefaultDefinitionName, defaultSteps())
	if err != nil {
		// the built-in catalog is covered by tests
		panic("flow: invalid built-in definition: " + err.Error())
	}
	return d
}
